package gateway

import (
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/palisade/palisade/internal/config"
)

// Route binds a host/path match to a site context and its upstream. An
// empty SiteID means the request runs against the main context.
type Route struct {
	SiteID     string
	Host       string
	PathPrefix string
	Upstream   string
}

type Router struct {
	routes []Route
}

// NewRouter orders the configured sites longest path prefix first so the
// most specific site wins.
func NewRouter(cfg *config.Config) (*Router, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	routes := make([]Route, 0, len(cfg.Sites))
	for _, site := range cfg.Sites {
		routes = append(routes, Route{
			SiteID:     site.ID,
			Host:       strings.ToLower(strings.TrimSpace(site.Match.Host)),
			PathPrefix: site.Match.PathPrefix,
			Upstream:   site.Upstream,
		})
	}

	sort.SliceStable(routes, func(i, j int) bool {
		if len(routes[i].PathPrefix) == len(routes[j].PathPrefix) {
			return routes[i].SiteID < routes[j].SiteID
		}
		return len(routes[i].PathPrefix) > len(routes[j].PathPrefix)
	})

	return &Router{routes: routes}, nil
}

func (r *Router) Match(req *http.Request) (Route, bool) {
	if req == nil {
		return Route{}, false
	}

	host := strings.ToLower(stripPort(req.Host))
	path := req.URL.Path

	for _, route := range r.routes {
		if route.Host != "" && route.Host != host {
			continue
		}
		if strings.HasPrefix(path, route.PathPrefix) {
			return route, true
		}
	}

	return Route{}, false
}

func stripPort(hostport string) string {
	if hostport == "" {
		return ""
	}

	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}

	return hostport
}
