package cmd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/fatih/color"

	"github.com/kstaniek/go-isotp-server/internal/wire"
)

var (
	yellow = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

// client is one handshaken gateway connection.
type client struct {
	conn  net.Conn
	codec wire.Codec
}

func dial(ctx context.Context, addr string, timeout time.Duration) (*client, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := wire.Handshake(ctx, conn, timeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	c := &client{conn: conn}
	// unblock reads when the command is cancelled
	go func() { <-ctx.Done(); _ = conn.Close() }()
	return c, nil
}

func (c *client) send(rec wire.Record) error {
	_, err := c.codec.EncodeTo(c.conn, []wire.Record{rec})
	return err
}

// next reads one record; a zero deadline waits forever.
func (c *client) next(deadline time.Time) (wire.Record, error) {
	_ = c.conn.SetReadDeadline(deadline)
	return c.codec.Decode(c.conn)
}

func (c *client) Close() error { return c.conn.Close() }

func statusText(s wire.Status) string {
	if s == wire.StatusOK {
		return green("%s", s)
	}
	return red("%s", s)
}

func idText(id uint16) string { return yellow("0x%03X", id) }
