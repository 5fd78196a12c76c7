package fetch

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Timeouts are applied per network operation, so a long stream only fails
// once it stalls for longer than Read.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
}

// DefaultTimeouts matches the 10 second per-operation bounds of the service.
var DefaultTimeouts = Timeouts{
	Connect: 10 * time.Second,
	Read:    10 * time.Second,
	Write:   10 * time.Second,
}

// NewHTTPClient builds the instrumented client used for every instance call.
func NewHTTPClient(t Timeouts) *http.Client {
	dialer := &net.Dialer{
		Timeout:   t.Connect,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}

			return &deadlineConn{Conn: conn, read: t.Read, write: t.Write}, nil
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   t.Connect,
		ResponseHeaderTimeout: t.Read,
		ExpectContinueTimeout: time.Second,
	}

	return &http.Client{
		Transport: otelhttp.NewTransport(transport),
	}
}

type deadlineConn struct {
	net.Conn

	read  time.Duration
	write time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.read > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.read)); err != nil {
			return 0, err
		}
	}

	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.write > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.write)); err != nil {
			return 0, err
		}
	}

	return c.Conn.Write(b)
}
