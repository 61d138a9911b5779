package netutil

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultKeepAlive   = 30 * time.Second
)

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Dialer resolves hostnames through a shared in-process DNS cache. A fanout
// run touches the discovery API and many hosts in the same domain, so lookups
// are cached for the lifetime of the process.
type Dialer struct {
	resolver *dnscache.Resolver
	dialer   *net.Dialer
}

// NewDialer returns a Dialer using timeout for each connection attempt.
func NewDialer(timeout time.Duration) *Dialer {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	return &Dialer{
		resolver: &dnscache.Resolver{},
		dialer: &net.Dialer{
			Timeout:   timeout,
			KeepAlive: defaultKeepAlive,
		},
	}
}

// DialContext is a DialContext function that uses the DNS cache. Each
// resolved address is tried in turn until one connects.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	if ip := net.ParseIP(host); ip != nil {
		return d.dialer.DialContext(ctx, network, address)
	}

	ips, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{
			Err:  "no IP addresses found",
			Name: host,
		}
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := d.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// NewHTTPClient returns an HTTP client dialing through d.
func (d *Dialer) NewHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = d.DialContext
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
