// Package router maps inbound paths to downstream services and forwards the
// request to the selected service.
package router

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/reqforge/gateway/internal/core/domain"
)

// LegacyService receives every path no route entry claims.
const LegacyService = "LEGACY"

const serviceURLSuffix = "_SERVICE_URL"

var versionSegment = regexp.MustCompile(`^v[0-9]+$`)

// RouteEntry binds a set of first path segments to one downstream service.
type RouteEntry struct {
	Prefixes []string

	// TargetEnvKey names the variable holding the service base URL, for
	// example WORKSPACE_SERVICE_URL.
	TargetEnvKey string

	// Public routes skip credential resolution.
	Public bool

	RequiredRoles []domain.Role
}

// Service returns the service name derived from TargetEnvKey.
func (e RouteEntry) Service() string {
	return strings.ToUpper(strings.TrimSuffix(e.TargetEnvKey, serviceURLSuffix))
}

// DefaultRoutes is the static route table of the platform services.
var DefaultRoutes = []RouteEntry{
	{Prefixes: []string{"auth", "oauth"}, TargetEnvKey: "AUTH_SERVICE_URL", Public: true},
	{Prefixes: []string{"users", "account", "profile"}, TargetEnvKey: "USER_SERVICE_URL"},
	{Prefixes: []string{"workspaces", "teams", "members"}, TargetEnvKey: "WORKSPACE_SERVICE_URL"},
	{Prefixes: []string{"collections", "requests", "history"}, TargetEnvKey: "COLLECTION_SERVICE_URL"},
	{Prefixes: []string{"environments", "variables"}, TargetEnvKey: "ENVIRONMENT_SERVICE_URL"},
	{Prefixes: []string{"mocks", "monitors"}, TargetEnvKey: "MOCK_SERVICE_URL"},
	{Prefixes: []string{"billing", "subscriptions", "invoices"}, TargetEnvKey: "BILLING_SERVICE_URL"},
	{Prefixes: []string{"marketplace", "listings"}, TargetEnvKey: "MARKETPLACE_SERVICE_URL"},
	{Prefixes: []string{"notifications"}, TargetEnvKey: "NOTIFICATION_SERVICE_URL"},
	{
		Prefixes:      []string{"admin"},
		TargetEnvKey:  "ADMIN_SERVICE_URL",
		RequiredRoles: []domain.Role{domain.RoleFounder, domain.RoleAdmin},
	},
}

// Target is a resolved forwarding destination.
type Target struct {
	// Service is the upper-case service name, or LEGACY.
	Service string

	// URL is the absolute upstream URL including the forwarded path; the
	// query string is left to the caller.
	URL *url.URL

	Entry *RouteEntry
}

// Table resolves paths against the route entries. It is immutable after
// construction and safe for concurrent use.
type Table struct {
	entries  []RouteEntry
	bySeg    map[string]int
	services map[string]*url.URL
}

// NewTable builds a table from entries and the configured service base URLs,
// keyed by upper-case service name. Entries whose service has no URL stay in
// the table for policy lookups but never resolve.
func NewTable(entries []RouteEntry, services map[string]string) (*Table, error) {
	t := &Table{
		entries:  entries,
		bySeg:    make(map[string]int),
		services: make(map[string]*url.URL, len(services)),
	}
	for i, e := range entries {
		for _, p := range e.Prefixes {
			seg := strings.ToLower(strings.Trim(p, "/"))
			if _, dup := t.bySeg[seg]; dup {
				return nil, fmt.Errorf("route prefix %q claimed twice", seg)
			}
			t.bySeg[seg] = i
		}
	}
	for name, raw := range services {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("service %s: invalid base URL %q", name, raw)
		}
		t.services[strings.ToUpper(name)] = u
	}
	return t, nil
}

// Services lists the configured service names.
func (t *Table) Services() []string {
	names := make([]string, 0, len(t.services))
	for name := range t.services {
		names = append(names, name)
	}
	return names
}

// Resolve maps an escaped request path to its target. An optional leading
// "api" segment is dropped and an optional version segment is kept in the
// forwarded path; the service segment itself is removed.
// /v1/workspaces/123 forwards to the workspace service as /v1/123.
func (t *Table) Resolve(escapedPath string) (*Target, error) {
	p := parsePath(escapedPath)
	if idx, ok := t.bySeg[strings.ToLower(p.service)]; ok {
		entry := &t.entries[idx]
		if base, ok := t.services[entry.Service()]; ok {
			suffix := "/" + strings.Join(p.rest, "/")
			if p.version != "" {
				suffix = "/" + p.version + suffix
			}
			return &Target{Service: entry.Service(), URL: joinURL(base, suffix), Entry: entry}, nil
		}
	}

	if legacy, ok := t.services[LegacyService]; ok {
		return &Target{Service: LegacyService, URL: joinURL(legacy, escapedPath)}, nil
	}
	return nil, domain.ErrNotFound("no service handles this path")
}

// Policy returns the route config for path. Unmatched paths are rate
// limited and require credentials like any other route.
func (t *Table) Policy(escapedPath string) domain.RouteConfig {
	p := parsePath(escapedPath)
	idx, ok := t.bySeg[strings.ToLower(p.service)]
	if !ok {
		return domain.RouteConfig{Name: strings.ToLower(LegacyService), RateLimited: true}
	}
	e := t.entries[idx]
	return domain.RouteConfig{
		Name:          strings.ToLower(e.Service()),
		Public:        e.Public,
		RequiredRoles: e.RequiredRoles,
		RateLimited:   true,
	}
}

// IsCSRFPath reports whether path is the token mint endpoint, with or
// without the api and version prefixes.
func IsCSRFPath(escapedPath string) bool {
	p := parsePath(escapedPath)
	return strings.EqualFold(p.service, "auth") && len(p.rest) == 1 && strings.EqualFold(p.rest[0], "csrf")
}

type parsedPath struct {
	version string
	service string
	rest    []string
}

func parsePath(escapedPath string) parsedPath {
	var segs []string
	for _, s := range strings.Split(escapedPath, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	if len(segs) > 0 && strings.EqualFold(segs[0], "api") {
		segs = segs[1:]
	}

	var p parsedPath
	if len(segs) > 0 && versionSegment.MatchString(segs[0]) {
		p.version = segs[0]
		segs = segs[1:]
	}
	if len(segs) > 0 {
		p.service = segs[0]
		p.rest = segs[1:]
	}
	return p
}

func joinURL(base *url.URL, escapedSuffix string) *url.URL {
	u := *base
	rawPath := strings.TrimSuffix(base.EscapedPath(), "/") + escapedSuffix
	if rawPath == "" {
		rawPath = "/"
	}
	if unescaped, err := url.PathUnescape(rawPath); err == nil {
		u.Path = unescaped
		u.RawPath = rawPath
	} else {
		u.Path = rawPath
		u.RawPath = ""
	}
	u.RawQuery = ""
	u.Fragment = ""
	return &u
}
