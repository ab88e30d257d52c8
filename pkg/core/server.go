package core

import (
	"context"

	"github.com/okserver/okserver/pkg/core/server"
	"go.uber.org/zap"
)

// Server defines the interface for the listener-responder.
type Server interface {
	ListenAndServe(ctx context.Context, opts server.Options, onExchange func(*server.Exchange)) error
}

// DefaultServer is the default implementation of the Server interface.
type DefaultServer struct {
	Logger *zap.Logger
}

// ListenAndServe implements the Server interface.
func (s *DefaultServer) ListenAndServe(ctx context.Context, opts server.Options, onExchange func(*server.Exchange)) error {
	return server.New(opts, s.Logger, onExchange).ListenAndServe(ctx)
}
