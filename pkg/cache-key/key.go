package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = " "

type CacheKeyer struct {
	// Unique identifier for the origin, e.g. "https://app.example.com".
	// Requests reaching the store are always same-origin,
	// so the origin part of the key does not depend on the incoming Host header.
	OriginId string
}

// NewCacheKeyer creates a keyer for the given origin URL.
// Only the scheme and host of the URL are used, and both are lower-cased.
func NewCacheKeyer(origin string) CacheKeyer {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return CacheKeyer{OriginId: strings.TrimRight(strings.ToLower(origin), "/")}
	}
	return CacheKeyer{OriginId: strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)}
}

// GetKey returns the identity of a request inside a store: the method and the absolute URL.
// Fragments never reach the server and query strings are kept as-is,
// so two requests only match if their method, path and query are equal.
func (c CacheKeyer) GetKey(r *http.Request) string {
	return r.Method + methodSeparator + c.URL(r)
}

// URL returns the absolute URL of the request, resolved against the origin.
func (c CacheKeyer) URL(r *http.Request) string {
	return c.OriginId + r.URL.RequestURI()
}

// PathKey returns the key of a GET request for the given origin-relative path.
func (c CacheKeyer) PathKey(path string) string {
	return http.MethodGet + methodSeparator + c.OriginId + path
}

// GetRequestFromKey generates a request equal to the one that resulted in the provided key.
// Only GET keys can be turned back into requests, since nothing else is ever stored.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, rawURL, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	if !strings.HasPrefix(rawURL, c.OriginId) {
		return nil, fmt.Errorf("Key and origin do not match")
	}
	return http.NewRequest(method, rawURL, nil)
}
