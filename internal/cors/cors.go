// Package cors computes cross-origin response headers for function endpoints.
package cors

import (
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/fngate/internal/config"
	"github.com/austindbirch/fngate/internal/respond"
)

// Policy decides which origins may call a function
type Policy struct {
	Disabled bool
	AllowAll bool // reflect whatever origin the caller sent
	Origins  []string
	Patterns []*regexp.Regexp
	Methods  []string
	MaxAge   time.Duration
}

// ParsePolicy builds a policy from config strings. "*" allows every origin and
// entries wrapped in slashes, like "/\.example\.com$/", are regular expressions.
func ParsePolicy(origins, methods []string, disabled bool) (Policy, error) {
	p := Policy{Disabled: disabled, Methods: methods, MaxAge: time.Hour}
	if len(p.Methods) == 0 {
		p.Methods = []string{http.MethodPost}
	}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch {
		case o == "":
		case o == "*":
			p.AllowAll = true
		case len(o) > 2 && strings.HasPrefix(o, "/") && strings.HasSuffix(o, "/"):
			re, err := regexp.Compile(o[1 : len(o)-1])
			if err != nil {
				return Policy{}, fmt.Errorf("cors origin pattern %q: %w", o, err)
			}
			p.Patterns = append(p.Patterns, re)
		default:
			p.Origins = append(p.Origins, strings.TrimSuffix(o, "/"))
		}
	}
	return p, nil
}

type Negotiator struct {
	policy Policy
}

func New(p Policy) *Negotiator {
	return &Negotiator{policy: p}
}

// FromConfig builds a negotiator from config. Emulation allows every origin.
func FromConfig(cfg config.CORS, emulated bool) (*Negotiator, error) {
	p, err := ParsePolicy(cfg.Origins, cfg.Methods, cfg.Disabled)
	if err != nil {
		return nil, err
	}
	if emulated {
		p.Disabled = false
		p.AllowAll = true
	}
	return New(p), nil
}

// Allowed reports whether origin may call
func (n *Negotiator) Allowed(origin string) bool {
	p := n.policy
	if p.Disabled || origin == "" {
		return false
	}
	if p.AllowAll {
		return true
	}
	if slices.Contains(p.Origins, origin) {
		return true
	}
	for _, re := range p.Patterns {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}

// Negotiate sets CORS headers on w before any byte is written. It reports whether
// r is a preflight the caller should answer with an empty 204. A disabled policy
// sets nothing and never reports a preflight.
func (n *Negotiator) Negotiate(w *respond.Writer, r *http.Request) (bool, error) {
	if n == nil || n.policy.Disabled {
		return false, nil
	}

	origin := r.Header.Get("Origin")
	if err := w.AddHeader("Vary", "Origin"); err != nil {
		return false, err
	}
	if n.Allowed(origin) {
		if err := w.SetHeader("Access-Control-Allow-Origin", origin); err != nil {
			return false, err
		}
	}

	if r.Method != http.MethodOptions {
		return false, nil
	}

	if err := w.AddHeader("Vary", "Access-Control-Request-Headers"); err != nil {
		return true, err
	}
	if !n.Allowed(origin) {
		return true, nil
	}
	if err := w.SetHeader("Access-Control-Allow-Methods", strings.Join(n.policy.Methods, ",")); err != nil {
		return true, err
	}
	if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		if err := w.SetHeader("Access-Control-Allow-Headers", reqHeaders); err != nil {
			return true, err
		}
	}
	if n.policy.MaxAge > 0 {
		if err := w.SetHeader("Access-Control-Max-Age", strconv.Itoa(int(n.policy.MaxAge.Seconds()))); err != nil {
			return true, err
		}
	}
	return true, nil
}
