// Package cache is the dashboard-side response cache: a short-TTL memory
// tier and a longer-TTL persistent session tier in front of the query
// API.
package cache

import (
	"net/url"
	"sort"
	"strings"
)

// Key derives the cache key for an endpoint and its query parameters.
// Keys are deterministic and order-independent: the same endpoint with
// the same parameters in any order always yields the same key.
func Key(endpoint string, params url.Values) string {

	if len(params) == 0 {
		return endpoint
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(endpoint)
	b.WriteByte('?')
	for i, k := range keys {
		values := append([]string(nil), params[k]...)
		sort.Strings(values)
		for j, v := range values {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
