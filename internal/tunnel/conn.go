package tunnel

import (
	"context"
	"net"
	"time"
)

// idleConn refreshes the read and write deadlines before every operation,
// so a single timeout bounds each read rather than the whole exchange.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func newIdleConn(c net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return c
	}
	return &idleConn{Conn: c, timeout: timeout}
}

func (c *idleConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *idleConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

// WatchContext closes conn when ctx is done, unblocking any pending I/O.
// The returned function detaches the watch; it waits for the close to
// finish if the context already fired.
func WatchContext(ctx context.Context, conn net.Conn) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	fired := make(chan struct{})
	cancel := context.AfterFunc(ctx, func() {
		_ = conn.Close()
		close(fired)
	})
	return func() {
		if !cancel() {
			<-fired
		}
	}
}

// CauseOf returns the context's cause instead of err once ctx is done, since
// an I/O failure on a connection closed by WatchContext is only a symptom.
func CauseOf(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}
