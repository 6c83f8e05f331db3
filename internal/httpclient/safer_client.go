// Package httpclient builds the outbound HTTP clients used for delivery
// webhooks and the generation workflow. Webhook targets are configured per
// deployment and may be operator supplied, so the default client refuses to
// dial loopback, private or link-local addresses.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/episodic/errors"
)

// SaferClient wraps http.Client with SSRF protection
type SaferClient struct {
	*http.Client
	allowedSchemes []string
	blockPrivateIP bool
	maxRedirects   int
}

// Options customizes a SaferClient. Nil fields take defaults.
type Options struct {
	AllowedSchemes []string // default: http, https
	MaxRedirects   *int     // default: 5
	BlockPrivateIP *bool    // default: true
}

// New creates an HTTP client with SSRF protection
func New(timeout time.Duration, opts Options) *SaferClient {
	c := &SaferClient{
		Client:         &http.Client{Timeout: timeout},
		allowedSchemes: []string{"http", "https"},
		blockPrivateIP: true,
		maxRedirects:   5,
	}
	if opts.AllowedSchemes != nil {
		c.allowedSchemes = opts.AllowedSchemes
	}
	if opts.MaxRedirects != nil {
		c.maxRedirects = *opts.MaxRedirects
	}
	if opts.BlockPrivateIP != nil {
		c.blockPrivateIP = *opts.BlockPrivateIP
	}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.maxRedirects {
			return errors.Newf("stopped after %d redirects", c.maxRedirects)
		}
		if err := c.validateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	if c.blockPrivateIP {
		dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
		c.Transport = &http.Transport{
			// Resolve then check every address so DNS rebinding cannot sneak past validateURL
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}
				for _, a := range addrs {
					if isPrivateAddr(a) {
						return nil, errors.Newf("private IP address blocked: %s", a)
					}
				}
				return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].String(), port))
			},
			MaxIdleConns:          20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}

	return c
}

// validateURL rejects schemes and hosts the client must never reach
func (c *SaferClient) validateURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range c.allowedSchemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.Newf("scheme %q not allowed (allowed: %v)", scheme, c.allowedSchemes)
	}

	if u.User != nil {
		return errors.New("URL must not carry credentials")
	}

	hostname := u.Hostname()
	if hostname == "" {
		return errors.New("URL missing hostname")
	}

	if c.blockPrivateIP {
		if isLocalhost(hostname) {
			return errors.New("localhost access blocked")
		}
		if a, err := netip.ParseAddr(hostname); err == nil && isPrivateAddr(a) {
			return errors.Newf("private IP address blocked: %s", hostname)
		}
	}
	return nil
}

// ValidateURL parses and validates a URL string
func (c *SaferClient) ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.validateURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Do executes an HTTP request with SSRF protection
func (c *SaferClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.validateURL(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked by SSRF protection")
	}
	return c.Client.Do(req)
}

// isPrivateAddr reports loopback, RFC 1918, CGNAT, link-local, multicast,
// unspecified and ULA addresses
func isPrivateAddr(a netip.Addr) bool {
	a = a.Unmap()
	if a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast() ||
		a.IsMulticast() || a.IsUnspecified() || a.IsInterfaceLocalMulticast() {
		return true
	}
	if a.Is4() {
		return cgnat.Contains(a) || thisNetwork.Contains(a) || reserved4.Contains(a)
	}
	return false
}

var (
	cgnat       = netip.MustParsePrefix("100.64.0.0/10")
	thisNetwork = netip.MustParsePrefix("0.0.0.0/8")
	reserved4   = netip.MustParsePrefix("240.0.0.0/4")
)

func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" ||
		hostname == "localhost.localdomain" ||
		strings.HasSuffix(hostname, ".localhost")
}
