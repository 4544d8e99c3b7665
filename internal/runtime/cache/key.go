package cache

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"sort"
	"strings"
)

// KeyFor computes the canonical cache key for a request using FNV-1a over
// method, URL, and the configured vary header values.
//
// Format hashed: method|url|name1:value1|name2:value2
//
// Header names are canonicalized and sorted so the key does not depend on map
// iteration order or the case the client used.
func KeyFor(method, url string, vary map[string]string) string {
	h := fnv.New64a()

	_, _ = h.Write([]byte(strings.ToUpper(method)))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(url))
	_, _ = h.Write([]byte("|"))

	if len(vary) > 0 {
		names := make([]string, 0, len(vary))
		canonical := make(map[string]string, len(vary))
		for name, value := range vary {
			key := http.CanonicalHeaderKey(name)
			names = append(names, key)
			canonical[key] = value
		}
		sort.Strings(names)

		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s:%s", name, canonical[name]))
		}
		_, _ = h.Write([]byte(strings.Join(parts, "|")))
	}

	return fmt.Sprintf("%016x", h.Sum64())
}
