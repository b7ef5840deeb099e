package fetch

import (
	"net/url"
	"sort"
	"strings"
)

// guard is the set of resource keys whose thumbnail has been claimed.
// Callers hold the scheduler lock.
type guard struct {
	claimed map[string]struct{}
}

func newGuard() guard { return guard{claimed: map[string]struct{}{}} }

// tryClaim marks key claimed and reports whether the caller won it.
func (g *guard) tryClaim(key string) bool {
	if key == "" {
		return false
	}
	if _, ok := g.claimed[key]; ok {
		return false
	}
	g.claimed[key] = struct{}{}
	return true
}

// relinquish clears the claim. Calling it again is a no-op.
func (g *guard) relinquish(key string) { delete(g.claimed, key) }

func (g *guard) keys() []string {
	out := make([]string, 0, len(g.claimed))
	for k := range g.claimed {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ResourceKey derives the dedup key for a source URL. Quality variants of the
// same source map to the same key.
func ResourceKey(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")
	key := host + strings.TrimSuffix(u.EscapedPath(), "/")
	if v := u.Query().Get("v"); v != "" {
		key += "?v=" + v
	}
	return key
}
