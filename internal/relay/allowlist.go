package relay

import (
	"net/url"
	"strings"
)

// Allowlist is a set of hostnames. Hosts match exactly, ignoring case and
// port; suffixes and subdomains never match.
type Allowlist map[string]struct{}

func NewAllowlist(hosts ...string) Allowlist {
	a := make(Allowlist, len(hosts))
	for _, h := range hosts {
		a[strings.ToLower(h)] = struct{}{}
	}
	return a
}

func (a Allowlist) Allowed(u *url.URL) bool {
	if u == nil {
		return false
	}
	_, ok := a[strings.ToLower(u.Hostname())]
	return ok
}
