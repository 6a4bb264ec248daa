package swcache

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"

	tee "github.com/always-cache/swcache/pkg/response-writer-tee"

	"github.com/go-chi/chi/v5"
)

// Fetcher is the network as seen by the strategies.
// An error means no response was received at all.
// Fetchers impose no timeout of their own, the request context governs.
type Fetcher interface {
	Fetch(r *http.Request) (*http.Response, error)
}

type FetcherFunc func(r *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(r *http.Request) (*http.Response, error) {
	return f(r)
}

// OriginFetcher sends requests to the origin server.
// Redirects are returned to the caller, not followed.
type OriginFetcher struct {
	scheme     string
	host       string
	hostHeader string
	client     *http.Client
}

// NewOriginFetcher creates a fetcher for the origin URL.
// If originHost is set, it is used as the Host header and for TLS negotiation,
// e.g. when the origin URL is just an IP address.
func NewOriginFetcher(origin url.URL, originHost string) *OriginFetcher {
	hostHeader := origin.Host
	transport := http.DefaultTransport
	if originHost != "" {
		hostHeader = originHost
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return &OriginFetcher{
		scheme:     origin.Scheme,
		host:       origin.Host,
		hostHeader: hostHeader,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (f *OriginFetcher) Fetch(r *http.Request) (*http.Response, error) {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.URL.Scheme = f.scheme
	out.URL.Host = f.host
	out.Host = f.hostHeader
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	res, err := f.client.Do(out)
	if err != nil {
		return nil, NetworkFailure(err, r.URL.String())
	}
	return res, nil
}

// Client returns the http client used to reach the origin.
func (f *OriginFetcher) Client() *http.Client {
	return f.client
}

// BaseURL returns the origin as scheme://host.
func (f *OriginFetcher) BaseURL() string {
	return f.scheme + "://" + f.host
}

// HandlerFetcher serves requests with an in-process handler, i.e. middleware mode.
// A handler that panics counts as a failed fetch.
type HandlerFetcher struct {
	Handler http.Handler
}

func (f HandlerFetcher) Fetch(r *http.Request) (res *http.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = NetworkFailure(fmt.Errorf("handler panicked: %v", p), r.URL.String())
		}
	}()
	// the handler routes the request from scratch
	r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, nil))
	rs := tee.NewResponseSaver(nil)
	f.Handler.ServeHTTP(rs, r)
	return rs.Result(r), nil
}

// DirectFetcher sends requests to the host they name.
// It serves requests outside the scope, which never reach the origin.
type DirectFetcher struct {
	Client *http.Client
}

func NewDirectFetcher() DirectFetcher {
	return DirectFetcher{Client: &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

func (f DirectFetcher) Fetch(r *http.Request) (*http.Response, error) {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	res, err := f.Client.Do(out)
	if err != nil {
		return nil, NetworkFailure(err, r.URL.String())
	}
	return res, nil
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}
