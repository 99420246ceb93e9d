package agentmgr

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// TCPDriver is a Driver for services reachable on a TCP address. Init and
// Check both dial the address; Check reports the connect latency.
type TCPDriver struct {
	Addr   string
	Dialer net.Dialer

	mu      sync.Mutex
	latency time.Duration
}

// NewTCPDriver returns a driver probing addr
func NewTCPDriver(addr string) *TCPDriver {
	return &TCPDriver{Addr: addr}
}

func (d *TCPDriver) dial(ctx context.Context) error {
	start := time.Now()
	conn, err := d.Dialer.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", d.Addr, err)
	}
	d.mu.Lock()
	d.latency = time.Since(start)
	d.mu.Unlock()
	return conn.Close()
}

// Init dials the address once
func (d *TCPDriver) Init(ctx context.Context) error {
	return d.dial(ctx)
}

// Check dials the address and reports it with the connect latency
func (d *TCPDriver) Check(ctx context.Context) (map[string]any, error) {
	if err := d.dial(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	latency := d.latency
	d.mu.Unlock()
	return map[string]any{"addr": d.Addr, "latency": latency.String()}, nil
}

// Close is a no-op; TCPDriver holds no connection between calls
func (d *TCPDriver) Close(context.Context) error {
	return nil
}
