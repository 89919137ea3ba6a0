package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"strims-rpc/client"
	"strims-rpc/loadbalance"
	"strims-rpc/message"
	"strims-rpc/message/rpctest"
	"strims-rpc/rpc"
	"strims-rpc/transport"
)

// caller is satisfied by both a direct host and a discovering client.
type caller interface {
	Unary(ctx context.Context, method string, arg message.Message, opts ...rpc.ExpectOption) (message.Message, error)
	OpenStream(ctx context.Context, method string, arg message.Message) (*rpc.Stream, error)
}

type callCommand struct {
	root  *rootCommand
	id    uint64
	count uint64
}

func newCallCommand(root *rootCommand) *cobra.Command {
	c := &callCommand{root: root}

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Call the test echo service",
	}
	cmd.PersistentFlags().Uint64Var(&c.id, "id", 1, "Request id echoed by the service")

	unary := &cobra.Command{
		Use:   "unary",
		Short: "Call CallUnary and print the reply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, c.unary)
		},
	}

	stream := &cobra.Command{
		Use:   "stream",
		Short: "Call CallStream and print every reply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, c.stream)
		},
	}
	stream.Flags().Uint64Var(&c.count, "count", 3, "Number of replies to request")

	cmd.AddCommand(unary, stream)
	return cmd
}

// run connects to --addr directly, or discovers the service through etcd.
func (c *callCommand) run(cmd *cobra.Command, fn func(ctx context.Context, to caller, out io.Writer) error) error {
	e, err := c.root.initialize(cmd)
	if err != nil {
		return err
	}
	defer e.logger.Sync()
	ctx := cmd.Context()

	hostOpts := []rpc.Option{rpc.WithLogger(e.logger), rpc.WithCallTimeout(e.cfg.CallTimeout)}

	if e.cfg.Addr != "" {
		conn, err := transport.Dial(ctx, "tcp", e.cfg.Addr, e.logger, append(hostOpts, rpc.WithRegistry(e.types))...)
		if err != nil {
			return fmt.Errorf("dial %s: %w", e.cfg.Addr, err)
		}
		defer conn.Close()
		return fn(ctx, conn.Host(), cmd.OutOrStdout())
	}

	reg, err := e.registry()
	if err != nil {
		return err
	}
	if reg == nil {
		return errors.New("call requires --addr or --etcd")
	}
	defer reg.Close()

	bal, err := loadbalance.New(e.cfg.Balancer)
	if err != nil {
		return err
	}
	cl := client.NewClient(reg, bal,
		client.WithTypes(e.types),
		client.WithLogger(e.logger),
		client.WithHostOptions(hostOpts...),
	)
	defer cl.Close()
	return fn(ctx, cl, cmd.OutOrStdout())
}

func (c *callCommand) unary(ctx context.Context, to caller, out io.Writer) error {
	m, err := to.Unary(ctx, rpctest.CallUnaryMethod, &rpctest.RPCCallUnaryRequest{ID: c.id})
	if err != nil {
		return err
	}
	reply, ok := m.(*rpctest.RPCCallUnaryResponse)
	if !ok {
		return fmt.Errorf("%w: %T", rpc.ErrUnexpectedType, m)
	}
	fmt.Fprintf(out, "id=%d\n", reply.ID)
	return nil
}

func (c *callCommand) stream(ctx context.Context, to caller, out io.Writer) error {
	s, err := to.OpenStream(ctx, rpctest.CallStreamMethod, &rpctest.RPCCallStreamRequest{ID: c.id, Count: c.count})
	if err != nil {
		return err
	}
	defer s.Close()

	for n := 0; ; n++ {
		reply, err := rpc.RecvAs[*rpctest.RPCCallStreamResponse](ctx, s)
		if errors.Is(err, io.EOF) {
			fmt.Fprintf(out, "done after %d replies\n", n)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d: id=%d\n", n, reply.ID)
	}
}
