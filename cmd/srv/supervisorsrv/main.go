package main

import (
	"fmt"
	"os"

	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/runner"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config      string `long:"config" description:"path to the configuration file" required:"true"`
	RunDuration int    `long:"run-duration" description:"seconds to run before shutting down, 0 runs until signalled"`
	LogLevel    string `long:"log-level" description:"log level overriding the configuration file" choice:"debug" choice:"info" choice:"warn" choice:"error"`
	LogFormat   string `long:"log-format" description:"log output format" choice:"console" choice:"json" default:"console"`
	Validate    bool   `long:"validate" description:"validate the configuration file and exit"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-server , ", module)
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

	cfg, err := runner.LoadAndValidate(opts.Config)
	if err != nil {
		fmt.Printf("Configuration is invalid: %v\n", err)
		os.Exit(1)
	}
	if opts.Validate {
		fmt.Printf("Configuration is valid, units: %d\n", len(cfg.Units))
		return
	}

	zapConfig := logging.DefaultZapConfig()
	zapConfig.Level = cfg.Supervisor.LogLevel
	if opts.LogLevel != "" {
		zapConfig.Level = opts.LogLevel
	}
	zapConfig.Format = opts.LogFormat

	zapLogger, err := logging.NewZapLogger(zapConfig)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	logger := logging.NewLogger(logPrefix("hsu-supervisor"), logging.FuncsOf(zapLogger))

	logger.Infof("opts: %+v", opts)
	logger.Infof("Starting...")

	if err := runner.Run(opts.RunDuration, opts.Config, logger); err != nil {
		logger.Errorf("Supervisor failed: %v", err)
		zapLogger.Sync()
		os.Exit(1)
	}
}
