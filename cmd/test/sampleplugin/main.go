package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/control"
)

// A plugin process for trying out the lifecycle server: it reports gRPC
// health, can hold memory to trip resource limits and can crash on demand.
type flagOptions struct {
	GRPCPort    int `long:"grpc-port" description:"serve gRPC health on this port, 0 disables"`
	Warmup      int `long:"warmup" description:"seconds before reporting SERVING"`
	RunDuration int `long:"run-duration" description:"exit cleanly after this many seconds"`
	CrashAfter  int `long:"crash-after" description:"exit with code 1 after this many seconds"`
	MemoryMB    int `long:"memory-mb" description:"megabytes of memory to hold"`
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

	fmt.Printf("Sample plugin starting, instance: %s, opts: %+v\n", os.Getenv("PLUGIN_INSTANCE_ID"), opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if opts.RunDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.RunDuration)*time.Second)
		defer cancel()
	}

	var ballast []byte
	if opts.MemoryMB > 0 {
		ballast = make([]byte, opts.MemoryMB*1024*1024)
		for i := range ballast {
			ballast[i] = 1
		}
		fmt.Printf("Holding %d MB\n", opts.MemoryMB)
	}

	var ready atomic.Bool
	time.AfterFunc(time.Duration(opts.Warmup)*time.Second, func() {
		ready.Store(true)
		fmt.Printf("Sample plugin is serving\n")
	})

	served := make(chan error, 1)
	if opts.GRPCPort > 0 {
		listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", opts.GRPCPort))
		if err != nil {
			fmt.Printf("Failed to listen: %v\n", err)
			os.Exit(1)
		}
		server := control.NewGRPCHealthServer(ready.Load, 200*time.Millisecond, nil)
		go func() {
			served <- server.Serve(ctx, listener)
		}()
	}

	var crash <-chan time.Time
	if opts.CrashAfter > 0 {
		crash = time.After(time.Duration(opts.CrashAfter) * time.Second)
	}

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	select {
	case receivedSignal := <-sig:
		fmt.Printf("Sample plugin received signal: %v\n", receivedSignal)
	case <-ctx.Done():
		fmt.Printf("Sample plugin run duration elapsed\n")
	case err := <-served:
		fmt.Printf("Sample plugin health server stopped: %v\n", err)
	case <-crash:
		fmt.Printf("Sample plugin crashing\n")
		os.Exit(1)
	}

	cancel()
	runtime.KeepAlive(ballast)
	fmt.Printf("Sample plugin stopped\n")
}
