package headerrules

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// Rules adjust the caching headers of page responses before they are
// interpreted. The first matching rule wins.
type Rules []Rule

type Rule struct {
	Host   string            `yaml:"host" mapstructure:"host"`
	Prefix string            `yaml:"prefix" mapstructure:"prefix"`
	Path   string            `yaml:"path" mapstructure:"path"`
	Query  map[string]string `yaml:"query" mapstructure:"query"`
	// Cache-Control to use when the server sent none.
	Default string `yaml:"default" mapstructure:"default"`
	// Cache-Control to use regardless of what the server sent.
	Override string `yaml:"override" mapstructure:"override"`
	// cache-offline value to use regardless of what the server sent.
	Directive string            `yaml:"directive" mapstructure:"directive"`
	Headers   map[string]string `yaml:"headers" mapstructure:"headers"`
}

// Apply applies the rule matching the page to the response headers.
// Only successful and not-modified responses are touched.
// It reports whether a rule was applied.
func (r Rules) Apply(page *url.URL, status int, header http.Header) bool {
	if status != http.StatusOK && status != http.StatusNotModified {
		return false
	}
	rule := r.Find(page)
	if rule == nil {
		return false
	}
	applyRule(*rule, header)
	return true
}

func applyRule(rule Rule, header http.Header) {
	if rule.Override != "" {
		log.Trace().Msg("Overriding Cache-Control header")
		header.Set("Cache-Control", rule.Override)
	} else if rule.Default != "" && header.Get("Cache-Control") == "" {
		log.Trace().Msg("Applying default Cache-Control header")
		header.Set("Cache-Control", rule.Default)
	}
	if rule.Directive != "" {
		header.Set("cache-offline", rule.Directive)
	}
	for name, value := range rule.Headers {
		log.Trace().Msgf("Setting header %s", name)
		header.Set(name, value)
	}
}

// Find returns the first rule matching the page, or nil.
func (r Rules) Find(page *url.URL) *Rule {
rulesLoop:
	for i := range r {
		rule := &r[i]
		if rule.Host != "" && !strings.EqualFold(rule.Host, page.Hostname()) {
			continue
		}
		if rule.Path != "" && rule.Path != page.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(page.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := page.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return rule
	}
	return nil
}
