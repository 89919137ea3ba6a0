// Package rpctest provides the messages and service used to exercise RPC
// hosts in tests and by the strimsrpc command.
package rpctest

import (
	"context"

	"strims-rpc/codec"
	"strims-rpc/message"
)

// ServiceName is the name the echo service is registered under.
const ServiceName = "strims.rpc.v1.test.RPC"

// Method names as seen on the wire.
const (
	CallUnaryMethod  = ServiceName + ".CallUnary"
	CallStreamMethod = ServiceName + ".CallStream"
)

const (
	UnaryRequestName   = "strims.rpc.v1.test.RPCCallUnaryRequest"
	UnaryResponseName  = "strims.rpc.v1.test.RPCCallUnaryResponse"
	StreamRequestName  = "strims.rpc.v1.test.RPCCallStreamRequest"
	StreamResponseName = "strims.rpc.v1.test.RPCCallStreamResponse"
)

// RegisterTypes adds the test messages to reg.
func RegisterTypes(reg *message.Registry) {
	reg.Register(UnaryRequestName, func() message.Message { return &RPCCallUnaryRequest{} })
	reg.Register(UnaryResponseName, func() message.Message { return &RPCCallUnaryResponse{} })
	reg.Register(StreamRequestName, func() message.Message { return &RPCCallStreamRequest{} })
	reg.Register(StreamResponseName, func() message.Message { return &RPCCallStreamResponse{} })
}

type RPCCallUnaryRequest struct {
	ID uint64
}

func (m *RPCCallUnaryRequest) MarshalWire(w *codec.Writer) { writeID(w, m.ID) }

func (m *RPCCallUnaryRequest) UnmarshalWire(r *codec.Reader, length int) error {
	return readID(r, length, &m.ID)
}

type RPCCallUnaryResponse struct {
	ID uint64
}

func (m *RPCCallUnaryResponse) MarshalWire(w *codec.Writer) { writeID(w, m.ID) }

func (m *RPCCallUnaryResponse) UnmarshalWire(r *codec.Reader, length int) error {
	return readID(r, length, &m.ID)
}

// RPCCallStreamRequest asks for Count responses carrying ID.
type RPCCallStreamRequest struct {
	ID    uint64
	Count uint64
}

func (m *RPCCallStreamRequest) MarshalWire(w *codec.Writer) {
	writeID(w, m.ID)
	if m.Count != 0 {
		w.Tag(2, codec.WireVarint)
		w.Uint64(m.Count)
	}
}

func (m *RPCCallStreamRequest) UnmarshalWire(r *codec.Reader, length int) error {
	return message.Fields(r, length, func(field uint32, wt codec.WireType) (err error) {
		switch field {
		case 1:
			m.ID, err = r.Uint64()
		case 2:
			m.Count, err = r.Uint64()
		default:
			err = r.SkipField(field, wt)
		}
		return err
	})
}

type RPCCallStreamResponse struct {
	ID uint64
}

func (m *RPCCallStreamResponse) MarshalWire(w *codec.Writer) { writeID(w, m.ID) }

func (m *RPCCallStreamResponse) UnmarshalWire(r *codec.Reader, length int) error {
	return readID(r, length, &m.ID)
}

func writeID(w *codec.Writer, id uint64) {
	if id != 0 {
		w.Tag(1, codec.WireVarint)
		w.Uint64(id)
	}
}

func readID(r *codec.Reader, length int, id *uint64) error {
	return message.Fields(r, length, func(field uint32, wt codec.WireType) (err error) {
		if field == 1 {
			*id, err = r.Uint64()
			return err
		}
		return r.SkipField(field, wt)
	})
}

// Service echoes request ids back to the caller.
type Service struct{}

// CallUnary replies with the request id.
func (s *Service) CallUnary(ctx context.Context, req *RPCCallUnaryRequest) (*RPCCallUnaryResponse, error) {
	return &RPCCallUnaryResponse{ID: req.ID}, nil
}

// CallStream sends Count responses and closes the stream. It stops early
// when ctx is cancelled.
func (s *Service) CallStream(ctx context.Context, req *RPCCallStreamRequest) (<-chan *RPCCallStreamResponse, error) {
	ch := make(chan *RPCCallStreamResponse)
	go func() {
		defer close(ch)
		for i := uint64(0); i < req.Count; i++ {
			select {
			case ch <- &RPCCallStreamResponse{ID: req.ID}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
