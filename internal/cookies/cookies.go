// Package cookies resolves which Netscape cookies file applies to a URL.
package cookies

import (
	"net/url"
	"os"
	"sort"
	"strings"
)

// Mapping is one domain → cookies file entry.
type Mapping struct {
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

// Resolver is immutable; build a new one on config reload.
type Resolver struct {
	byDomain map[string]string
	exists   func(path string) bool
}

func New(m map[string]string) *Resolver {
	r := &Resolver{byDomain: make(map[string]string, len(m)), exists: fileExists}
	for d, p := range m {
		d = Domain(d)
		p = strings.TrimSpace(p)
		if d == "" || p == "" {
			continue
		}
		r.byDomain[d] = p
	}
	return r
}

// Domain extracts a lower-case host from a URL or bare domain, without "www.".
func Domain(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host := ""
	if u, err := url.Parse(raw); err == nil {
		host = u.Hostname()
	}
	if host == "" && !strings.Contains(raw, "://") {
		// Bare "example.com/path" parses as a path.
		if u, err := url.Parse("//" + raw); err == nil {
			host = u.Hostname()
		}
	}
	if host == "" {
		host = raw
	}
	host = strings.Trim(strings.ToLower(host), ".")
	return strings.TrimPrefix(host, "www.")
}

// Lookup tries the exact host first, then strips leading labels
// (a.b.example.com → b.example.com → example.com → com). Entries whose file
// no longer exists are skipped.
func (r *Resolver) Lookup(rawURL string) (string, bool) {
	if r == nil || len(r.byDomain) == 0 {
		return "", false
	}
	for cur := Domain(rawURL); cur != ""; {
		if p, ok := r.byDomain[cur]; ok && r.exists(p) {
			return p, true
		}
		_, rest, found := strings.Cut(cur, ".")
		if !found {
			break
		}
		cur = rest
	}
	return "", false
}

func (r *Resolver) Mappings() []Mapping {
	if r == nil {
		return nil
	}
	out := make([]Mapping, 0, len(r.byDomain))
	for d, p := range r.byDomain {
		out = append(out, Mapping{Domain: d, Path: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
