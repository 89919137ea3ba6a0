package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"strims-rpc/message/rpctest"
	"strims-rpc/middleware"
	"strims-rpc/registry"
	"strims-rpc/rpc"
	"strims-rpc/server"
)

func newServeCommand(root *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the test echo service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := root.initialize(cmd)
			if err != nil {
				return err
			}
			defer e.logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, e)
		},
	}
}

func newServer(e *env) *server.Server {
	svr := server.NewServer(
		server.WithTypes(e.types),
		server.WithLogger(e.logger),
		server.WithHostOptions(rpc.WithLogger(e.logger), rpc.WithCallTimeout(e.cfg.CallTimeout)),
	)
	svr.Use(middleware.Recover(e.logger))
	svr.Use(middleware.Logging(e.logger))
	if e.cfg.RateLimit > 0 {
		svr.Use(middleware.RateLimit(e.cfg.RateLimit, e.cfg.RateBurst))
	}
	if e.cfg.HandlerTimeout > 0 {
		svr.Use(middleware.Timeout(e.cfg.HandlerTimeout))
	}
	return svr
}

// serve runs the echo service until ctx is done, then shuts down.
func serve(ctx context.Context, e *env) error {
	svr := newServer(e)
	if err := svr.RegisterName(rpctest.ServiceName, &rpctest.Service{}); err != nil {
		return err
	}

	etcd, err := e.registry()
	if err != nil {
		return err
	}
	var reg registry.Registry
	if etcd != nil {
		defer etcd.Close()
		reg = etcd
	}

	served := make(chan error, 1)
	go func() { served <- svr.Serve("tcp", e.cfg.Listen, e.cfg.Advertise, reg) }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	e.logger.Info("shutting down", zap.Duration("timeout", e.cfg.ShutdownTimeout))
	err = svr.Shutdown(e.cfg.ShutdownTimeout)
	return multierr.Append(err, <-served)
}
