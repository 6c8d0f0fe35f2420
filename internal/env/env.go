package env

import (
	"os"
	"sort"
	"strings"
)

// Env composes the environment handed to spawned build and server processes.
// Order of precedence: OS environment, then global variables, then per-call pairs.
type Env struct {
	vars map[string]string
	base map[string]string // cached OS environment
}

func New() *Env { return &Env{vars: make(map[string]string)} }

// FromPairs builds an Env from "KEY=VALUE" entries, skipping malformed ones.
func FromPairs(kvs []string) *Env {
	e := New()
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			e.vars[k] = v
		}
	}
	return e
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.vars[k] = v
}

// WithSet returns a copy of e with K=V applied.
func (e *Env) WithSet(k, v string) *Env {
	c := New()
	for kk, vv := range e.vars {
		c.vars[kk] = vv
	}
	c.base = e.base
	c.Set(k, v)
	return c
}

// Merge returns the final environment in "K=V" form with ${VAR} references expanded
// against the composed map (single pass, no recursion). Output is sorted by key.
func (e *Env) Merge(perCall []string) []string {
	if e.base == nil {
		e.base = osEnv()
	}
	m := make(map[string]string, len(e.base)+len(e.vars)+len(perCall))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for _, kv := range perCall {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func split(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}

func osEnv() map[string]string {
	base := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := split(kv); ok {
			base[k] = v
		}
	}
	return base
}

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}
