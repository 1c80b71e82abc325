package offcache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/unkn0wn-root/offcache/internal/util"
	"github.com/unkn0wn-root/offcache/storage"
)

// Manifest is the ordered list of URLs precached by Install. Entries may be
// absolute or relative to Options.Origin.
type Manifest []string

// DeriveGeneration names a generation after the manifest contents, so a
// changed manifest can never reuse a stale generation name.
// The result is prefix + "-" + 8 hex chars.
func DeriveGeneration(prefix string, m Manifest) string {
	return prefix + "-" + util.Fingerprint(m)[:8]
}

type precacheTarget struct {
	url *url.URL
	key string
}

// resolve validates the manifest against origin. origin may be nil when
// every entry is absolute.
func (m Manifest) resolve(origin *url.URL) ([]precacheTarget, error) {
	if len(m) == 0 {
		return nil, fmt.Errorf("offcache: manifest is empty")
	}
	out := make([]precacheTarget, 0, len(m))
	seen := make(map[string]int, len(m))
	for i, raw := range m {
		if strings.TrimSpace(raw) == "" {
			return nil, fmt.Errorf("offcache: manifest[%d] is empty", i)
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("offcache: manifest[%d] %q: %w", i, raw, err)
		}
		if origin != nil {
			u = origin.ResolveReference(u)
			if u.Scheme != origin.Scheme || u.Host != origin.Host {
				return nil, fmt.Errorf("offcache: manifest[%d] %q is outside origin %s", i, raw, origin)
			}
		}
		if !u.IsAbs() || u.Host == "" {
			return nil, fmt.Errorf("offcache: manifest[%d] %q is relative and no origin is set", i, raw)
		}
		key := storage.Key(http.MethodGet, u)
		if j, dup := seen[key]; dup {
			return nil, fmt.Errorf("offcache: manifest[%d] %q duplicates manifest[%d]", i, raw, j)
		}
		seen[key] = i
		out = append(out, precacheTarget{url: u, key: key})
	}
	return out, nil
}

func parseOrigin(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("offcache: origin %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("offcache: origin %q must be absolute", raw)
	}
	o := &url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}
	if o.Path == "" {
		o.Path = "/"
	}
	return o, nil
}
