package core

import "github.com/okserver/okserver/pkg/core/server"

// Writer defines the interface for logging served connections.
type Writer interface {
	LogExchange(ex *server.Exchange) error
}
