package config

import (
	"fmt"
	"net"
	"strconv"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// ValidateLogLevel accepts the levels the zap backend understands
func ValidateLogLevel(level string) error {
	switch level {
	case "", "debug", "info", "warn", "error":
		return nil
	}
	return errors.NewValidationError(
		fmt.Sprintf("invalid log level: %s", level),
		nil,
	).WithContext("valid_levels", "debug, info, warn, error")
}

// ValidatePort validates port number
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return errors.NewValidationError(
			fmt.Sprintf("port must be between 1 and 65535, got %d", port),
			nil,
		).WithContext("valid_range", "1-65535")
	}
	return nil
}

// ValidateNetworkAddress validates a host:port listen address; the host may be empty
func ValidateNetworkAddress(address string) error {
	if address == "" {
		return errors.NewValidationError("network address cannot be empty", nil)
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return errors.NewValidationError("invalid network address format", err).WithContext("address", address)
	}

	if host != "" && host != "localhost" && net.ParseIP(host) == nil {
		if err := validateHostname(host); err != nil {
			return errors.NewValidationError("invalid host in network address", err).WithContext("address", address)
		}
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.NewValidationError("invalid port in network address", err).WithContext("address", address)
	}
	// 0 asks the kernel for an ephemeral port
	if port != 0 {
		if err := ValidatePort(port); err != nil {
			return err
		}
	}

	return nil
}

func validateHostname(host string) error {
	if len(host) > 253 {
		return errors.NewValidationError("hostname cannot exceed 253 characters", nil)
	}
	for _, char := range host {
		valid := (char >= 'a' && char <= 'z') ||
			(char >= 'A' && char <= 'Z') ||
			(char >= '0' && char <= '9') ||
			char == '-' || char == '.'
		if !valid {
			return errors.NewValidationError(fmt.Sprintf("hostname contains invalid character: %q", char), nil)
		}
	}
	return nil
}
