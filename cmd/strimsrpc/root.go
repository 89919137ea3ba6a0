package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"strims-rpc/message"
	"strims-rpc/message/rpctest"
	"strims-rpc/registry"
)

type rootCommand struct {
	cmd   *cobra.Command
	flags flags
}

func newRootCommand() *cobra.Command {
	root := &rootCommand{}

	cmd := &cobra.Command{
		Use:           "strimsrpc [command]",
		Short:         "strims rpc command-line interface",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.flags.register(cmd)

	cmd.AddCommand(
		newServeCommand(root),
		newCallCommand(root),
	)
	root.cmd = cmd
	return cmd
}

// env is what a command needs after flags are resolved.
type env struct {
	cfg    Config
	logger *zap.Logger
	types  *message.Registry
}

func (r *rootCommand) initialize(cmd *cobra.Command) (*env, error) {
	cfg, err := r.flags.resolve(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	types := message.NewRegistry()
	rpctest.RegisterTypes(types)
	return &env{cfg: cfg, logger: logger, types: types}, nil
}

// registry connects to etcd, or returns nil when no endpoints are set.
func (e *env) registry() (*registry.EtcdRegistry, error) {
	if len(e.cfg.Etcd) == 0 {
		return nil, nil
	}
	return registry.NewEtcdRegistry(e.cfg.Etcd,
		registry.WithPrefix(e.cfg.EtcdPrefix),
		registry.WithLogger(e.logger),
	)
}
