package httpcache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// cacheControl holds the response directives the interceptor honours.
type cacheControl struct {
	maxAge  *time.Duration
	sMaxAge *time.Duration
	noCache bool
	noStore bool
	private bool
}

// parseCacheControl reads a Cache-Control header. Unknown directives are ignored.
func parseCacheControl(header string) cacheControl {
	var cc cacheControl
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, hasValue := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if hasValue {
			seconds, err := strconv.Atoi(strings.Trim(strings.TrimSpace(value), `"`))
			if err != nil || seconds < 0 {
				continue
			}
			d := time.Duration(seconds) * time.Second
			switch name {
			case "max-age":
				cc.maxAge = &d
			case "s-maxage":
				cc.sMaxAge = &d
			}
			continue
		}
		switch name {
		case "no-cache":
			cc.noCache = true
		case "no-store":
			cc.noStore = true
		case "private":
			cc.private = true
		}
	}
	return cc
}

// storableTTL applies the handler's Cache-Control to the route TTL. It never
// extends the route TTL. private only blocks global routes, whose entries are
// shared across tenants.
func storableTTL(route *Route, header http.Header) (time.Duration, bool) {
	cc := parseCacheControl(header.Get("Cache-Control"))
	if cc.noStore || cc.noCache || (cc.private && route.Global) {
		return 0, false
	}
	ttl := route.TTL
	limit := cc.sMaxAge
	if limit == nil {
		limit = cc.maxAge
	}
	if limit != nil {
		if *limit <= 0 {
			return 0, false
		}
		ttl = min(ttl, *limit)
	}
	return ttl, true
}
