package server

import (
	"context"
	"net"

	"github.com/kstaniek/go-isotp-server/internal/wire"
)

// Handshake runs the hello exchange every client must complete before records flow.
func (s *Server) Handshake(ctx context.Context, c net.Conn) error {
	return wire.Handshake(ctx, c, s.handshakeTimeout)
}
