package upstream

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. Set forceHTTP2 to true for remote HTTPS APIs, false
// for local HTTP/1.1 servers.
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// NewHTTPClient builds an *http.Client for an upstream from its timeouts.
// The client timeout is left unset; hard deadlines come from per-call
// contexts so streaming responses are not cut off mid-body.
func NewHTTPClient(resolver *dnscache.Resolver, t Timeouts, forceHTTP2 bool) *http.Client {
	tr := NewTransport(resolver, forceHTTP2)
	if t.Connect > 0 {
		base := tr.DialContext
		if base == nil {
			d := &net.Dialer{Timeout: t.Connect}
			tr.DialContext = d.DialContext
		} else {
			connect := t.Connect
			tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				dctx, cancel := context.WithTimeout(ctx, connect)
				defer cancel()
				return base(dctx, network, addr)
			}
		}
	}
	if t.FirstByte > 0 {
		tr.ResponseHeaderTimeout = t.FirstByte
	}
	return &http.Client{Transport: tr}
}
