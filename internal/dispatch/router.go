package dispatch

import (
	"hash/fnv"
)

// Router routes order keys to shards
type Router struct {
	shardCount int
}

// NewRouter creates a new router with the specified shard count
func NewRouter(shardCount int) *Router {
	return &Router{shardCount: shardCount}
}

// Route calculates the shard for a key using FNV-1a, so one order always lands on one shard
func (r *Router) Route(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(r.shardCount))
}
