package session

import (
	"encoding/json"
	"sort"
	"sync"
)

// stageCache keeps the N most recent stages' data resident in memory.
// Eviction order is lowest stage ordinal first, not insertion time, so a
// late rewrite of an early stage never pins it past newer stages. Evicting
// only frees the cache; the durable copy in the session record survives.
type stageCache struct {
	mu     sync.Mutex
	window int
	stages map[int]json.RawMessage
}

func newStageCache(window int) *stageCache {
	if window <= 0 {
		window = 3
	}
	return &stageCache{
		window: window,
		stages: make(map[int]json.RawMessage),
	}
}

func (c *stageCache) set(stage int, data json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stages[stage] = data
	if len(c.stages) <= c.window {
		return
	}
	ordinals := make([]int, 0, len(c.stages))
	for s := range c.stages {
		ordinals = append(ordinals, s)
	}
	sort.Ints(ordinals)
	for _, s := range ordinals[:len(ordinals)-c.window] {
		delete(c.stages, s)
	}
}

func (c *stageCache) get(stage int) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.stages[stage]
	return data, ok
}

func (c *stageCache) clear(stage int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stages, stage)
}

func (c *stageCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stages)
}
