package httppool

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// newTransport returns a tuned *http.Transport with keep-alive pooling and
// optional DNS caching. maxPerOrigin bounds the sockets the transport itself
// will open for the origin, mirroring the pool's logical limit.
func newTransport(resolver *dnscache.Resolver, maxPerOrigin int, insecureTLS bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: maxPerOrigin,
		MaxConnsPerHost:     maxPerOrigin,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   false, // providers speak keep-alive HTTP/1.1 here
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if insecureTLS {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
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
