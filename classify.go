package swcache

import (
	"net/http"
	"strings"
)

// Partition is one of the three stores every generation owns.
type Partition string

const (
	Static  Partition = "static"
	Dynamic Partition = "dynamic"
	API     Partition = "api"
)

var partitions = []Partition{Static, Dynamic, API}

type Strategy string

const (
	Bypass               Strategy = "bypass"
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
)

type RequestClass string

const (
	ClassNonGET      RequestClass = "non-get"
	ClassCrossOrigin RequestClass = "cross-origin"
	ClassAPI         RequestClass = "api"
	ClassStatic      RequestClass = "static-asset"
	ClassDocument    RequestClass = "document"
	ClassOther       RequestClass = "other"
)

// Route is the result of classifying a request.
type Route struct {
	Class     RequestClass
	Strategy  Strategy
	Partition Partition
}

// Classifier picks the strategy for a request. It does no I/O.
type Classifier struct {
	// Host of the scope, compared case-insensitively with the request's host.
	ScopeHost string
	// Path prefix of API requests, e.g. "/api/".
	APIPrefix string
}

var staticDestinations = map[string]bool{
	"style":  true,
	"script": true,
	"image":  true,
	"font":   true,
}

// Classify returns the route of the request. The first matching rule wins.
func (c Classifier) Classify(r *http.Request) Route {
	if r.Method != http.MethodGet {
		return Route{Class: ClassNonGET, Strategy: Bypass}
	}
	if !c.sameOrigin(r) {
		return Route{Class: ClassCrossOrigin, Strategy: Bypass}
	}
	if c.APIPrefix != "" && strings.HasPrefix(r.URL.Path, c.APIPrefix) {
		return Route{Class: ClassAPI, Strategy: StaleWhileRevalidate, Partition: API}
	}
	dest := strings.ToLower(r.Header.Get("Sec-Fetch-Dest"))
	if staticDestinations[dest] {
		return Route{Class: ClassStatic, Strategy: CacheFirst, Partition: Static}
	}
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") || dest == "document" {
		return Route{Class: ClassDocument, Strategy: NetworkFirst, Partition: Dynamic}
	}
	return Route{Class: ClassOther, Strategy: NetworkFirst, Partition: Dynamic}
}

// sameOrigin reports whether the request targets the scope.
// Requests in origin form (a path only) always do,
// requests in absolute form must name the scope host.
func (c Classifier) sameOrigin(r *http.Request) bool {
	if c.ScopeHost == "" || r.URL.Host == "" {
		return true
	}
	return strings.EqualFold(r.URL.Host, c.ScopeHost)
}
