package marketplace

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Query parameters consumed by the proxy itself.
const (
	ParamPath   = "path"
	ParamAPIKey = "apiKey"
)

// ResolveTarget joins a published API base URL with the caller's relative
// path. A path that is absolute, scheme-relative, unparsable or escapes the
// base path falls back to the bare base URL. The path's own query and every
// caller parameter except path and apiKey are forwarded.
//
// Only an invalid base URL is an error.
func ResolveTarget(baseURL, relPath string, callerQuery url.Values) (*url.URL, error) {
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("invalid published API base URL %q", baseURL)
	}

	target := *base
	target.Fragment = ""
	query := base.Query()

	if ref, ok := parseRelative(relPath); ok {
		basePath := strings.TrimSuffix(base.Path, "/")
		joined := path.Clean(basePath + "/" + strings.TrimLeft(ref.Path, "/"))
		if joined == basePath || strings.HasPrefix(joined, basePath+"/") {
			if strings.HasSuffix(ref.Path, "/") && !strings.HasSuffix(joined, "/") {
				joined += "/"
			}
			target.Path = joined
			target.RawPath = ""
			for k, vs := range ref.Query() {
				for _, v := range vs {
					query.Add(k, v)
				}
			}
		}
	}

	for k, vs := range callerQuery {
		if k == ParamPath || k == ParamAPIKey {
			continue
		}
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	target.RawQuery = query.Encode()
	return &target, nil
}

func parseRelative(relPath string) (*url.URL, bool) {
	relPath = strings.TrimSpace(relPath)
	if relPath == "" || strings.HasPrefix(relPath, "//") || strings.HasPrefix(relPath, `\`) {
		return nil, false
	}
	ref, err := url.Parse(relPath)
	if err != nil || ref.IsAbs() || ref.Host != "" || ref.Opaque != "" {
		return nil, false
	}
	return ref, true
}
