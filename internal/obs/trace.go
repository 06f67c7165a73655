package obs

import "hash/fnv"

// TraceID derives a stable trace id from a key, so every journal record of
// one order, or of one instrument's market data, shares it across restarts.
func TraceID(key string) uint64 {
	if key == "" {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}
