package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// originPolicy is the allowlist checked before the upgrade.
type originPolicy struct {
	required bool
	allowed  []string
}

func (p originPolicy) check(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if p.required {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(p.allowed) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range p.allowed {
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}
		// Full origin match, then host-only match (ignores port/scheme).
		if origin == a || (originHost != "" && originHost == originHostOnly(a)) {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// acceptPatterns derives websocket.AcceptOptions.OriginPatterns from the allowlist so the
// library's own cross-origin check agrees with ours.
func (p originPolicy) acceptPatterns() []string {
	hosts := lo.Uniq(lo.FilterMap(p.allowed, func(a string, _ int) (string, bool) {
		h := originHostOnly(a)
		return h, h != "" && h != "*"
	}))
	slices.Sort(hosts)
	return hosts
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}
