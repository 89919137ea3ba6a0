package rpc

import (
	"context"
	"time"

	"go.uber.org/zap"

	"strims-rpc/message"
)

// Option configures a Host.
type Option func(*Host)

// WithRegistry sets the type registry used to encode and decode arguments.
// Hosts default to a registry holding only the control payloads.
func WithRegistry(reg *message.Registry) Option {
	return func(h *Host) {
		h.registry = reg
	}
}

// WithService adds the handlers in table to the host's service table.
func WithService(table ServiceTable) Option {
	return func(h *Host) {
		for method, handler := range table {
			h.service[method] = handler
		}
	}
}

// WithLogger sets the logger. Hosts default to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithCallTimeout sets the default reply timeout of ExpectOne. A zero or
// negative d disables the timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(h *Host) {
		h.timeout = d
	}
}

// WithErrorMessage sets the function that turns a local handler error into
// the message sent to the peer. It defaults to err.Error().
func WithErrorMessage(fn func(error) string) Option {
	return func(h *Host) {
		h.errorMessage = fn
	}
}

// WithContext sets the parent of every handler context.
func WithContext(ctx context.Context) Option {
	return func(h *Host) {
		h.parent = ctx
	}
}

// ExpectOption configures a single ExpectOne.
type ExpectOption func(*expectOptions)

type expectOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the host call timeout for one Future.
func WithTimeout(d time.Duration) ExpectOption {
	return func(o *expectOptions) {
		o.timeout = d
	}
}
