package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	neturl "net/url"
	"strings"

	"github.com/dray-io/meshsync/internal/routing"
)

// RoutesPath is where the routing table dump is served.
const RoutesPath = "/routes"

// RouteSource is the registry state exposed on RoutesPath.
type RouteSource interface {
	Origin() string
	Checksum() string
	Peers() []string
	Bindings() []routing.Binding
}

// RoutesView is the JSON body served on RoutesPath.
type RoutesView struct {
	Origin   string            `json:"origin"`
	Checksum string            `json:"checksum"`
	Peers    []string          `json:"peers"`
	Routes   []routing.Binding `json:"routes"`
}

// NewRoutesHandler serves src's routing table. The optional route query
// parameter keeps only bindings whose route has that prefix.
func NewRoutesHandler(src RouteSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		view := RoutesView{
			Origin:   src.Origin(),
			Checksum: src.Checksum(),
			Peers:    src.Peers(),
			Routes:   []routing.Binding{},
		}
		prefix := r.URL.Query().Get("route")
		for _, b := range src.Bindings() {
			if strings.HasPrefix(b.Route, prefix) {
				view.Routes = append(view.Routes, b)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(view)
	})
}

// FetchRoutes requests the routing table from the node serving addr.
func FetchRoutes(ctx context.Context, client *http.Client, addr, routePrefix string) (RoutesView, error) {
	if client == nil {
		client = http.DefaultClient
	}
	url := addr
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	url = strings.TrimSuffix(url, "/") + RoutesPath
	if routePrefix != "" {
		url += "?route=" + neturl.QueryEscape(routePrefix)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return RoutesView{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return RoutesView{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RoutesView{}, fmt.Errorf("server: %s returned %s", url, resp.Status)
	}
	var view RoutesView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return RoutesView{}, fmt.Errorf("server: decode routes: %w", err)
	}
	return view, nil
}
