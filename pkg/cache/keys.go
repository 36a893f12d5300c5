package cache

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// Key identifies a cached result within a tenant namespace: a category
// (insights, summary, sheet:Sheet1, ...) plus the request parameters that
// shaped the result.
type Key struct {
	Category string
	Params   map[string]interface{}
}

// NewKey builds a cache key
func NewKey(category string, params map[string]interface{}) Key {
	return Key{Category: category, Params: params}
}

// canonicalParams renders params deterministically: keys sorted, nil values
// skipped, values through %v. Equal parameter sets always hash equal.
func canonicalParams(params map[string]interface{}) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", params[k])
	}
	return b.String()
}

// hash returns the per-tenant storage key
func (k Key) hash() string {
	h := fnv.New64a()
	h.Write([]byte(k.Category))
	h.Write([]byte{'?'})
	h.Write([]byte(canonicalParams(k.Params)))
	return fmt.Sprintf("%s:%016x", k.Category, h.Sum64())
}

// String renders the externally visible key form
func (k Key) String(tenantID string) string {
	return fmt.Sprintf("sg:%s:p:%s", tenantID, k.hash())
}

// segmentFor maps a tenant to one of the lock segments
func segmentFor(tenantID string, segments int) int {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return int(h.Sum32()) % segments
}
