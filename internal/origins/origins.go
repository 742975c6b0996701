// Package origins parses and evaluates CORS origin allow-list entries.
package origins

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Kind tags an allow-list entry.
type Kind int

const (
	// Exact matches one origin, e.g. "https://app.example.com".
	Exact Kind = iota
	// SuffixPattern matches any subdomain of a domain, e.g. "*.example.com"
	// or "https://*.example.com".
	SuffixPattern
	// PortWildcard matches a scheme and host on any port, e.g.
	// "http://localhost:*".
	PortWildcard
)

func (k Kind) String() string {
	switch k {
	case Exact:
		return "exact"
	case SuffixPattern:
		return "suffix"
	case PortWildcard:
		return "port-wildcard"
	default:
		return "unknown"
	}
}

var ErrInvalidRule = errors.New("invalid origin rule")

// Rule is one parsed allow-list entry.
type Rule struct {
	Kind Kind
	Raw  string
	// Scheme is empty for a SuffixPattern without scheme.
	Scheme string
	// Host is the full host[:port] for Exact, the parent domain for
	// SuffixPattern and the hostname for PortWildcard.
	Host string
}

// Parse classifies and validates a single allow-list entry.
func Parse(raw string) (Rule, error) {
	s := strings.ToLower(strings.TrimRight(strings.TrimSpace(raw), "/"))
	if s == "" {
		return Rule{}, fmt.Errorf("%w: empty", ErrInvalidRule)
	}

	scheme, rest, hasScheme := strings.Cut(s, "://")
	if !hasScheme {
		scheme, rest = "", s
	}
	if strings.ContainsAny(rest, "/?#@") {
		return Rule{}, fmt.Errorf("%w %q: origins carry no path, query or userinfo", ErrInvalidRule, raw)
	}

	switch {
	case strings.HasPrefix(rest, "*."):
		domain := strings.TrimPrefix(rest, "*.")
		if domain == "" || strings.Contains(domain, "*") || strings.Contains(domain, ":") {
			return Rule{}, fmt.Errorf("%w %q: expected *.domain", ErrInvalidRule, raw)
		}
		return Rule{Kind: SuffixPattern, Raw: raw, Scheme: scheme, Host: domain}, nil

	case strings.HasSuffix(rest, ":*"):
		host := strings.TrimSuffix(rest, ":*")
		if !hasScheme || host == "" || strings.Contains(host, "*") {
			return Rule{}, fmt.Errorf("%w %q: expected scheme://host:*", ErrInvalidRule, raw)
		}
		return Rule{Kind: PortWildcard, Raw: raw, Scheme: scheme, Host: host}, nil

	case strings.Contains(rest, "*"):
		return Rule{}, fmt.Errorf("%w %q: wildcards are only supported as *.domain or :*", ErrInvalidRule, raw)
	}

	if !hasScheme || rest == "" {
		return Rule{}, fmt.Errorf("%w %q: expected scheme://host[:port]", ErrInvalidRule, raw)
	}
	return Rule{Kind: Exact, Raw: raw, Scheme: scheme, Host: rest}, nil
}

// Matches reports whether origin satisfies r.
func (r Rule) Matches(origin string) bool {
	u, ok := parseOrigin(origin)
	if !ok {
		return false
	}
	switch r.Kind {
	case Exact:
		return u.Scheme == r.Scheme && u.Host == r.Host
	case SuffixPattern:
		if r.Scheme != "" && u.Scheme != r.Scheme {
			return false
		}
		return strings.HasSuffix(u.Hostname(), "."+r.Host)
	case PortWildcard:
		return u.Scheme == r.Scheme && u.Hostname() == r.Host
	default:
		return false
	}
}

// List is an ordered allow-list. The first matching rule wins.
type List []Rule

// ParseList parses every entry, reporting all malformed ones together.
func ParseList(entries []string) (List, error) {
	list := make(List, 0, len(entries))
	var errs []error
	for _, e := range entries {
		rule, err := Parse(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		list = append(list, rule)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return list, nil
}

// Match returns the first rule allowing origin.
func (l List) Match(origin string) (Rule, bool) {
	for _, rule := range l {
		if rule.Matches(origin) {
			return rule, true
		}
	}
	return Rule{}, false
}

func parseOrigin(origin string) (*url.URL, bool) {
	u, err := url.Parse(strings.ToLower(strings.TrimSpace(origin)))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, false
	}
	if u.Path != "" && u.Path != "/" {
		return nil, false
	}
	return u, true
}
