package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/control"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/manager"
)

const maxAdminGoroutines = 10000

func run(ctx context.Context, config *manager.Config, logger logging.Logger) error {
	logger.Infof("Lifecycle server starting, plugins: %d, admin address: %s, gRPC health port: %d",
		len(config.Plugins), config.Service.AdminAddress, config.Service.GRPCHealthPort)

	service, err := manager.NewService(config, manager.Collaborators{}, logging.Child(logger, "module: plugin-manager , "))
	if err != nil {
		return errors.NewInternalError("failed to create plugin manager", err)
	}
	defer service.Close()

	router, err := control.NewAdminRouter(service, control.AdminOptions{
		JWTSecret:     config.Service.JWTSecret,
		MaxGoroutines: maxAdminGoroutines,
	}, logging.Child(logger, "module: admin-api , "))
	if err != nil {
		return err
	}

	healthListener, err := net.Listen("tcp", fmt.Sprintf(":%d", config.Service.GRPCHealthPort))
	if err != nil {
		return errors.NewNetworkError("failed to listen for gRPC health", err).WithContext("port", config.Service.GRPCHealthPort)
	}
	healthServer := control.NewGRPCHealthServer(service.Running, time.Second, logging.Child(logger, "module: grpc-health , "))

	httpServer := &http.Server{
		Addr:              config.Service.AdminAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := service.Start(ctx); err != nil {
		healthListener.Close()
		return errors.NewInternalError("failed to start plugin manager", err)
	}

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	group, groupCtx := errgroup.WithContext(serveCtx)

	group.Go(func() error {
		logger.Infof("Admin API listening, address: %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.NewNetworkError("admin API failed", err).WithContext("address", httpServer.Addr)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Service.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		return healthServer.Serve(groupCtx, healthListener)
	})
	if config.Service.BundleFile != "" {
		watcher := manager.NewBundleWatcher(config.Service.BundleFile, service, manager.DefaultReloadDebounce,
			logging.Child(logger, "module: bundle-watcher , "))
		group.Go(func() error {
			return watcher.Run(groupCtx)
		})
	}

	logger.Infof("Enabling signal handling...")

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	logger.Infof("Lifecycle server is ready")

	select {
	case receivedSignal := <-sig:
		logger.Infof("Lifecycle server received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Lifecycle server run duration elapsed")
	case <-groupCtx.Done():
		if ctx.Err() == nil {
			logger.Errorf("Lifecycle server component stopped unexpectedly")
		}
	}

	// Stop the manager before draining the listeners
	stopCtx, cancelStop := context.WithTimeout(context.Background(), config.Service.ShutdownTimeout)
	defer cancelStop()
	if err := service.Stop(stopCtx); err != nil && !errors.IsAlreadyStoppedError(err) {
		logger.Errorf("Failed to stop plugin manager: %v", err)
	}

	cancelServe()
	if err := group.Wait(); err != nil {
		return err
	}

	logger.Infof("Lifecycle server stopped")
	return nil
}
