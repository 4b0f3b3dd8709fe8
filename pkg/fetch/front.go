package fetch

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
)

// DomainFrontConfig describes a domain-fronted relay: connections are made
// to FrontDomain over TLS with FrontDomain as the SNI, but the HTTP Host
// header (and therefore the CDN's internal routing) names RealHost.
type DomainFrontConfig struct {
	FrontDomain string
	RealHost    string
}

// NewDomainFrontRoundTripper builds a FrontRoundTripper that implements
// classic domain fronting: the TCP/TLS connection targets FrontDomain (and
// presents it as the SNI), while the HTTP Host header is rewritten to
// RealHost so the fronting CDN routes the request to the true origin.
//
// This is the concrete mechanics behind FetchChannel's domain-fronted
// requester, modelled as a strategy object independent of the direct path.
func NewDomainFrontRoundTripper(cfg DomainFrontConfig) FrontRoundTripper {
	return func(ctx context.Context) (http.RoundTripper, error) {
		dialer := &net.Dialer{}
		transport := &http.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				_, port, err := net.SplitHostPort(addr)
				if err != nil {
					port = "443"
				}
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(cfg.FrontDomain, port))
				if err != nil {
					return nil, err
				}
				tlsConn := tls.Client(conn, &tls.Config{ServerName: cfg.FrontDomain})
				if err := tlsConn.HandshakeContext(ctx); err != nil {
					conn.Close()
					return nil, err
				}
				return tlsConn, nil
			},
		}
		return &hostRewriteRoundTripper{inner: transport, host: cfg.RealHost}, nil
	}
}

// hostRewriteRoundTripper overwrites the outgoing Host header on a clone of
// the request, leaving the request URL (and so the dial target) and the
// already-dialed TLS connection's SNI untouched.
type hostRewriteRoundTripper struct {
	inner http.RoundTripper
	host  string
}

func (h *hostRewriteRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Host = h.host
	return h.inner.RoundTrip(req)
}
