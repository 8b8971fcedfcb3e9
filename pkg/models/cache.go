package models

// CacheStats reports cache lookup counters.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// CacheInfo is a diagnostic snapshot of a result cache. Active and Expired
// are evaluated against the clock at the time of the call.
type CacheInfo struct {
	Total   int        `json:"total"`
	Active  int        `json:"active"`
	Expired int        `json:"expired"`
	Stats   CacheStats `json:"stats"`
	HitRate float64    `json:"hit_rate"`
}
