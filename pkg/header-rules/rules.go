package headerrules

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

type Rules []Rule

// Rule sets response headers for GET requests matching a path or path prefix.
type Rule struct {
	Prefix  string            `yaml:"prefix"`
	Path    string            `yaml:"path"`
	Default string            `yaml:"default"`
	Headers map[string]string `yaml:"headers"`
}

// DefaultRules are the headers a PWA needs on its worker script, descriptor and
// fingerprinted assets.
func DefaultRules() Rules {
	immutable := map[string]string{"Cache-Control": "public, max-age=31536000, immutable"}
	return Rules{
		{Path: "/service-worker.js", Headers: map[string]string{
			"Cache-Control":          "public, max-age=0, must-revalidate",
			"Service-Worker-Allowed": "/",
		}},
		{Path: "/manifest.json", Headers: map[string]string{
			"Content-Type":  "application/manifest+json",
			"Cache-Control": "public, max-age=3600",
		}},
		{Prefix: "/icons/", Headers: immutable},
		{Prefix: "/_next/static/", Headers: immutable},
		{Prefix: "/fonts/", Headers: immutable},
	}
}

// Apply sets the headers of the first rule matching the request of the response.
func (r Rules) Apply(res *http.Response) {
	// only apply rules for successes
	if res.StatusCode != http.StatusOK || res.Request == nil {
		return
	}
	// if rule found, apply to response
	if rule := r.find(res); rule != nil {
		applyRuleToResponse(*rule, res)
	}
}

func applyRuleToResponse(rule Rule, res *http.Response) {
	if res.Header == nil {
		res.Header = http.Header{}
	}
	if rule.Default != "" && res.Header.Get("Cache-Control") == "" {
		log.Trace().Msg("Applying default Cache-Control header")
		res.Header.Set("Cache-Control", rule.Default)
	}
	for name, value := range rule.Headers {
		log.Trace().Msgf("Setting header %s", name)
		res.Header.Set(name, value)
	}
}

func (r Rules) find(res *http.Response) *Rule {
	if res.Request.Method != http.MethodGet {
		return nil
	}
	path := res.Request.URL.Path
	for _, rule := range r {
		if rule.Path != "" && rule.Path != path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(path, rule.Prefix) {
			continue
		}
		return &rule
	}
	return nil
}
