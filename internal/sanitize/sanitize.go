// Package sanitize validates and bounds the payloads clients push through the
// relay: location fixes, route uploads and the host's compressed state blob.
// It also computes the content hashes used for upload deduplication.
package sanitize

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"math"
	"time"
	"unicode/utf8"
)

const (
	// DefaultMaxRoutes is the per-client route cap when not configured.
	DefaultMaxRoutes = 8
	// DefaultMaxRoutePoints is the per-route item cap when not configured.
	DefaultMaxRoutePoints = 80

	maxRouteIDLen    = 40
	maxRouteNameLen  = 64
	maxRouteColorLen = 32
	maxItemIDLen     = 40
	maxItemNameLen   = 48
)

// Location is a validated position fix. Timestamp is unix milliseconds.
type Location struct {
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// RouteItem is a single waypoint of a route.
type RouteItem struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Position Position `json:"position"`
}

// Position is a bare lat/lng pair.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Route is a validated planned route.
type Route struct {
	ID    string      `json:"id"`
	Name  string      `json:"name,omitempty"`
	Color string      `json:"color,omitempty"`
	Items []RouteItem `json:"items"`
}

// ParseLocation validates a decoded location payload. lat and lng must be
// finite numbers; accuracy is kept only when numeric; timestamp falls back to
// now when missing or non-numeric. Returns false when the fix is unusable.
func ParseLocation(v any, now time.Time) (*Location, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	lat, ok := FiniteNumber(m["lat"])
	if !ok {
		return nil, false
	}
	lng, ok := FiniteNumber(m["lng"])
	if !ok {
		return nil, false
	}

	loc := &Location{Lat: lat, Lng: lng}
	if acc, ok := FiniteNumber(m["accuracy"]); ok {
		loc.Accuracy = &acc
	}
	if ts, ok := FiniteNumber(m["timestamp"]); ok {
		loc.Timestamp = int64(ts)
	} else {
		loc.Timestamp = now.UnixMilli()
	}
	return loc, true
}

// ParseRoutes validates a decoded route upload. Non-list input is rejected
// (nil). Routes beyond maxRoutes and items beyond maxPoints are truncated;
// routes whose items all fail validation are dropped.
func ParseRoutes(v any, maxRoutes, maxPoints int) []Route {
	if maxRoutes <= 0 {
		maxRoutes = DefaultMaxRoutes
	}
	if maxPoints <= 0 {
		maxPoints = DefaultMaxRoutePoints
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	if len(list) > maxRoutes {
		list = list[:maxRoutes]
	}

	routes := make([]Route, 0, len(list))
	for _, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		id := capString(m["id"], maxRouteIDLen)
		if id == "" {
			continue
		}
		r := Route{
			ID:    id,
			Name:  capString(m["name"], maxRouteNameLen),
			Color: capString(m["color"], maxRouteColorLen),
		}

		items, ok := m["items"].([]any)
		if !ok {
			continue
		}
		if len(items) > maxPoints {
			items = items[:maxPoints]
		}
		for _, raw := range items {
			if item, ok := parseRouteItem(raw); ok {
				r.Items = append(r.Items, item)
			}
		}
		if len(r.Items) == 0 {
			continue
		}
		routes = append(routes, r)
	}
	if len(routes) == 0 {
		return nil
	}
	return routes
}

func parseRouteItem(v any) (RouteItem, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return RouteItem{}, false
	}
	id := capString(m["id"], maxItemIDLen)
	if id == "" {
		return RouteItem{}, false
	}
	pos, ok := m["position"].(map[string]any)
	if !ok {
		return RouteItem{}, false
	}
	lat, ok := FiniteNumber(pos["lat"])
	if !ok {
		return RouteItem{}, false
	}
	lng, ok := FiniteNumber(pos["lng"])
	if !ok {
		return RouteItem{}, false
	}
	return RouteItem{
		ID:       id,
		Name:     capString(m["name"], maxItemNameLen),
		Position: Position{Lat: lat, Lng: lng},
	}, true
}

// RoutesHash computes the dedup hash of a sanitized route list: SHA-1 over
// its canonical JSON, base64-encoded.
func RoutesHash(routes []Route) string {
	data, _ := json.Marshal(routes)
	sum := sha1.Sum(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// StateHash computes the dedup hash of the host's opaque state blob: SHA-1
// over the raw blob bytes, base64-encoded.
func StateHash(blob string) string {
	sum := sha1.Sum([]byte(blob))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// FiniteNumber extracts a finite float64 from a decoded JSON value.
func FiniteNumber(v any) (float64, bool) {
	n, ok := v.(float64)
	if !ok {
		return 0, false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

func capString(v any, max int) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	if len(s) <= max {
		return s
	}
	// Back off to a rune boundary so the cap never splits a multi-byte rune.
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
