package sonic

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Request is one outgoing page or resource request.
type Request struct {
	URL    *url.URL
	Header http.Header
	// Optional IP address to connect to instead of resolving the URL host.
	// The original host is still sent in the Host header and used for TLS.
	IPOverride string
}

// Response is a fully read response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport performs one exchange.
type Transport interface {
	RoundTrip(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

func (f TransportFunc) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

type route struct {
	match     func(*Request) bool
	transport Transport
}

// Transports selects the transport for a request. Routes are evaluated in
// registration order; the fallback serves everything else.
type Transports struct {
	mu       sync.RWMutex
	routes   []route
	fallback Transport
}

func NewTransports(fallback Transport) *Transports {
	return &Transports{fallback: fallback}
}

// Register adds a transport for the requests matched by match.
func (t *Transports) Register(match func(*Request) bool, transport Transport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = append(t.routes, route{match, transport})
}

// For returns the transport to use for req.
func (t *Transports) For(req *Request) Transport {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.routes {
		if r.match(req) {
			return r.transport
		}
	}
	return t.fallback
}

// HTTPTransport sends requests with net/http.
type HTTPTransport struct {
	client         *http.Client
	connectTimeout time.Duration
}

// NewHTTPTransport creates a transport whose dials give up after
// connectTimeout. The overall request is bounded by the caller's context.
func NewHTTPTransport(connectTimeout time.Duration) *HTTPTransport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout}).DialContext
	return &HTTPTransport{
		client:         &http.Client{Transport: transport},
		connectTimeout: connectTimeout,
	}
}

func (t *HTTPTransport) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	target := *req.URL
	host := target.Host
	client := t.client
	if req.IPOverride != "" {
		// connect to the given ip, but keep host for the Host header and SNI
		if port := target.Port(); port != "" {
			target.Host = net.JoinHostPort(req.IPOverride, port)
		} else {
			target.Host = req.IPOverride
		}
		transport := t.client.Transport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{ServerName: req.URL.Hostname()}
		defer transport.CloseIdleConnections()
		client = &http.Client{Transport: transport}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	for name, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(name, value)
		}
	}
	httpReq.Host = host

	res, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}
	return &Response{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
	}, nil
}
