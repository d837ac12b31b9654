// Package middleware provides the request security stages composed by the
// gateway pipeline: origin, CSRF, session, authorization and rate limiting.
package middleware

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/lumen-commerce/commerce_layer/internal/errors"
)

// Origin rejection reasons.
const (
	ReasonNoAllowlist      = "no_allowlist_configured"
	ReasonMissingOrigin    = "missing_origin"
	ReasonOriginNotAllowed = "origin_not_allowed"
)

// OriginPolicy validates the Origin header for one surface.
type OriginPolicy struct {
	exact          map[string]struct{}
	patterns       []originPattern
	productionLike bool
}

// NewOriginPolicy builds a policy from exact origins and preview patterns of
// the form https://client-*.preview.example.app, where * stands for the rest
// of one DNS label.
func NewOriginPolicy(allowed, patterns []string, productionLike bool) (*OriginPolicy, error) {
	p := &OriginPolicy{
		exact:          make(map[string]struct{}, len(allowed)),
		productionLike: productionLike,
	}
	for _, o := range allowed {
		o = strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
		if o == "" {
			continue
		}
		if o == "*" {
			return nil, fmt.Errorf("wildcard origin is not allowed with credentialed requests")
		}
		p.exact[o] = struct{}{}
	}
	for _, raw := range patterns {
		pat, err := parseOriginPattern(raw)
		if err != nil {
			return nil, err
		}
		p.patterns = append(p.patterns, pat)
	}
	return p, nil
}

// Configured reports whether any origin or pattern is allowed.
func (p *OriginPolicy) Configured() bool {
	return len(p.exact) > 0 || len(p.patterns) > 0
}

// Check validates origin. required makes an absent header a rejection. The
// returned bool reports whether origin is a verified allowed origin that CORS
// headers may echo; it is false on the development pass-through.
func (p *OriginPolicy) Check(origin string, required bool) (bool, error) {
	if !p.Configured() {
		if p.productionLike {
			return false, errors.OriginRejected(ReasonNoAllowlist)
		}
		return false, nil
	}
	if origin == "" {
		if required {
			return false, errors.OriginRejected(ReasonMissingOrigin)
		}
		return false, nil
	}
	if !p.Allowed(origin) {
		return false, errors.OriginRejected(ReasonOriginNotAllowed)
	}
	return true, nil
}

// Allowed reports whether origin is listed or matches a preview pattern.
func (p *OriginPolicy) Allowed(origin string) bool {
	o, ok := parseOrigin(origin)
	if !ok {
		return false
	}
	if _, hit := p.exact[o.String()]; hit {
		return true
	}
	for _, pat := range p.patterns {
		if pat.match(o) {
			return true
		}
	}
	return false
}

type parsedOrigin struct {
	scheme string
	host   string
	port   string
}

func (o parsedOrigin) String() string {
	if o.port == "" {
		return o.scheme + "://" + o.host
	}
	return o.scheme + "://" + o.host + ":" + o.port
}

func parseOrigin(raw string) (parsedOrigin, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "null" {
		return parsedOrigin{}, false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return parsedOrigin{}, false
	}
	if u.Path != "" && u.Path != "/" {
		return parsedOrigin{}, false
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return parsedOrigin{}, false
	}
	return parsedOrigin{scheme: u.Scheme, host: u.Hostname(), port: u.Port()}, true
}

type originPattern struct {
	scheme string
	labels []string
	port   string
}

func parseOriginPattern(raw string) (originPattern, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok || (scheme != "https" && scheme != "http") {
		return originPattern{}, fmt.Errorf("origin pattern %q: scheme must be http or https", raw)
	}
	host, port, _ := strings.Cut(strings.TrimRight(rest, "/"), ":")
	labels := strings.Split(host, ".")
	wildcards := 0
	for _, l := range labels {
		if l == "" {
			return originPattern{}, fmt.Errorf("origin pattern %q: empty host label", raw)
		}
		wildcards += strings.Count(l, "*")
		if strings.Count(l, "*") > 1 {
			return originPattern{}, fmt.Errorf("origin pattern %q: one wildcard per label", raw)
		}
	}
	if wildcards == 0 {
		return originPattern{}, fmt.Errorf("origin pattern %q: no wildcard", raw)
	}
	if len(labels) < 3 || strings.Contains(labels[len(labels)-1], "*") || strings.Contains(labels[len(labels)-2], "*") {
		return originPattern{}, fmt.Errorf("origin pattern %q: wildcard may not cover the registrable domain", raw)
	}
	return originPattern{scheme: scheme, labels: labels, port: port}, nil
}

func (p originPattern) match(o parsedOrigin) bool {
	if o.scheme != p.scheme || o.port != p.port {
		return false
	}
	labels := strings.Split(o.host, ".")
	if len(labels) != len(p.labels) {
		return false
	}
	for i, pl := range p.labels {
		if !matchLabel(pl, labels[i]) {
			return false
		}
	}
	return true
}

func matchLabel(pattern, label string) bool {
	prefix, suffix, wild := strings.Cut(pattern, "*")
	if !wild {
		return pattern == label
	}
	if len(label) <= len(prefix)+len(suffix) {
		return false
	}
	if !strings.HasPrefix(label, prefix) || !strings.HasSuffix(label, suffix) {
		return false
	}
	for _, c := range label[len(prefix) : len(label)-len(suffix)] {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
			return false
		}
	}
	return true
}
