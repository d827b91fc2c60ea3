package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/control"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/processfile"
	"github.com/core-tools/hsu-supervisor/pkg/retry"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Address        string   `long:"address" description:"supervisor gRPC address, discovered from the runtime files when empty"`
	RuntimeDir     string   `long:"runtime-dir" description:"runtime files directory of the supervisor"`
	ServiceContext string   `long:"service-context" description:"service context the supervisor runs in" choice:"system" choice:"user" choice:"session" default:"user"`
	Units          []string `long:"unit" description:"unit id or name to query, may be repeated"`
	Timeout        int      `long:"timeout" description:"per-request timeout in seconds" default:"5"`
	Verbose        bool     `long:"verbose" description:"enable debug logging"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-client , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v", err)
		os.Exit(1)
	}

	zapConfig := logging.DefaultZapConfig()
	zapConfig.Output = "stderr"
	if opts.Verbose {
		zapConfig.Level = "debug"
	}
	zapLogger, err := logging.NewZapLogger(zapConfig)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	logger := logging.NewLogger(logPrefix("hsu-supervisor"), logging.FuncsOf(zapLogger))

	logger.Debugf("opts: %+v", opts)

	timeout := time.Duration(opts.Timeout) * time.Second

	address := opts.Address
	if address == "" {
		files := processfile.NewManager(processfile.Config{
			BaseDirectory:  opts.RuntimeDir,
			ServiceContext: processfile.ServiceContext(opts.ServiceContext),
		}, logger)
		port, err := files.ReadPortFile("grpc")
		if err != nil {
			logger.Errorf("Supervisor address not given and not discoverable: %v", err)
			os.Exit(1)
		}
		address = fmt.Sprintf("localhost:%d", port)
	}

	connection, err := control.NewConnection(control.ConnectionOptions{
		Address:     address,
		DialTimeout: timeout,
	}, logger)
	if err != nil {
		logger.Errorf("Failed to connect: %v", err)
		os.Exit(1)
	}
	defer connection.Close()

	gateway := control.NewGRPCClientGateway(connection.GRPC(), logger)

	// The supervisor may still be starting its listeners
	retrier := retry.New(logger)
	pingPolicy := retry.Policy{
		MaxAttempts:       10,
		InitialDelay:      time.Second,
		BackoffMultiplier: 1,
	}

	var status string
	err = retrier.Do(context.Background(), "status", pingPolicy, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		s, err := gateway.Status(ctx)
		status = s
		return err
	})
	if err != nil {
		logger.Errorf("Failed to get status: %v", err)
		os.Exit(1)
	}
	fmt.Printf("supervisor: %s\n", status)

	exitCode := 0
	for _, name := range opts.Units {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		unitStatus, err := gateway.UnitStatus(ctx, name)
		cancel()
		if err != nil {
			fmt.Printf("%s: %v\n", name, err)
			exitCode = 1
			continue
		}
		fmt.Printf("%s: %s\n", name, unitStatus)
		if unitStatus != "SERVING" && exitCode == 0 {
			exitCode = 2
		}
	}

	connection.Close()
	zapLogger.Sync()
	os.Exit(exitCode)
}
