// Package peernet connects the parties of one session to each other. A Mesh
// holds exactly one connection per peer pair and exchanges CBOR frames tagged
// with a protocol round, buffering frames that arrive before they are read.
package peernet

import (
	"context"
	"net"
)

// Network abstracts how peer connections are opened so tests can substitute
// an in-memory implementation.
type Network interface {
	Listen(addr string) (net.Listener, error)
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// TCP is the production Network.
type TCP struct {
	Dialer net.Dialer
}

func (t *TCP) Listen(addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(context.Background(), "tcp", addr)
}

func (t *TCP) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return t.Dialer.DialContext(ctx, "tcp", addr)
}

var _ Network = (*TCP)(nil)
