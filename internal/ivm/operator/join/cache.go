// Copyright (c) 2026 Relsync. All rights reserved.

package join

import (
	"github.com/relsync/relsync/internal/ivm/op"
	"github.com/relsync/relsync/internal/ivm/row"
)

// fetchCache memoizes child-fetch results by constraint for the lifetime
// of exactly one top-level [Join.Fetch] call. It is never constructed for
// a push-triggered lazy stream and never shared across Fetch calls, per
// spec.md §4.2.3's fetch-time cache rule.
//
// After sampleSize lookups, if the observed hit rate is below minHitRate
// the cache is abandoned for the remainder of this Fetch — a skewed
// parent set (mostly-distinct parent keys) makes caching pure overhead.
// The cache is also abandoned once it would hold more than maxNodes total
// rows, bounding worst-case memory for a single Fetch.
type fetchCache struct {
	sampleSize int
	minHitRate float64
	maxNodes   int

	lookups    int
	hits       int
	totalNodes int
	abandoned  bool
	data       map[string][]row.Node
}

func (j *Join) newCache() *fetchCache {
	if j.cacheDisabled {
		return nil
	}
	sampleSize := j.cfg.CacheSampleSize
	if sampleSize <= 0 {
		sampleSize = 100
	}
	maxNodes := j.cfg.CacheMaxNodes
	if maxNodes <= 0 {
		maxNodes = 10_000
	}
	return &fetchCache{
		sampleSize: sampleSize,
		minHitRate: j.cfg.CacheMinHitRate,
		maxNodes:   maxNodes,
		data:       make(map[string][]row.Node),
	}
}

func (c *fetchCache) get(constraint op.Constraint) ([]row.Node, bool) {
	if c.abandoned {
		return nil, false
	}
	key := constraintKey(constraint)
	nodes, ok := c.data[key]
	c.lookups++
	if ok {
		c.hits++
	}
	if c.lookups == c.sampleSize {
		rate := float64(c.hits) / float64(c.lookups)
		if rate < c.minHitRate {
			c.abandoned = true
		}
	}
	return nodes, ok
}

func (c *fetchCache) put(constraint op.Constraint, nodes []row.Node) {
	if c.abandoned {
		return
	}
	if c.totalNodes+len(nodes) > c.maxNodes {
		c.abandoned = true
		return
	}
	c.data[constraintKey(constraint)] = nodes
	c.totalNodes += len(nodes)
}
