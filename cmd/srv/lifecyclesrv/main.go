package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/manager"
)

type flagOptions struct {
	Config         string `long:"config" short:"c" description:"path to the configuration file" required:"true"`
	AdminAddress   string `long:"admin-address" description:"admin API listen address, overrides the configuration"`
	GRPCHealthPort int    `long:"grpc-health-port" description:"gRPC health port, overrides the configuration"`
	LogFormat      string `long:"log-format" description:"log format" choice:"console" choice:"json" default:"console"`
	RunDuration    int    `long:"run-duration" description:"stop after this many seconds, 0 runs until signalled"`
	ValidateOnly   bool   `long:"validate" description:"validate the configuration file and exit"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	config, err := manager.LoadConfigFromFile(opts.Config)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if opts.AdminAddress != "" {
		config.Service.AdminAddress = opts.AdminAddress
	}
	if opts.GRPCHealthPort != 0 {
		config.Service.GRPCHealthPort = opts.GRPCHealthPort
	}
	if err := manager.ValidateConfig(config); err != nil {
		fmt.Printf("Configuration validation failed: %v\n", err)
		os.Exit(1)
	}
	if opts.ValidateOnly {
		fmt.Printf("Configuration is valid: %s, plugins: %d\n", opts.Config, len(config.Plugins))
		return
	}

	zapConfig := logging.DefaultZapConfig()
	zapConfig.Level = config.Service.LogLevel
	zapConfig.Format = opts.LogFormat
	zapLogger, err := logging.NewZapLogger(zapConfig)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	logger := logging.Child(zapLogger, "module: lifecycle-server , ")

	ctx := context.Background()
	if opts.RunDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.RunDuration)*time.Second)
		defer cancel()
	}

	if err := run(ctx, config, logger); err != nil {
		logger.Errorf("Lifecycle server failed: %v", err)
		zapLogger.Sync()
		os.Exit(1)
	}
}
