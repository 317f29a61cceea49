package gloomstore

// ShardRouter spreads one logical filter over several independently persisted
// guards. Items are routed by an xxhash of their bytes reduced onto the shard
// count, so an item lands on the same shard across calls and restarts as long
// as the configuration is unchanged.
type ShardRouter struct {
	name   string
	shards []*Guard
}

// NewShardRouter routes over shards, which must be non-empty and in shard
// index order.
func NewShardRouter(name string, shards []*Guard) *ShardRouter {
	return &ShardRouter{name: name, shards: shards}
}

// Name returns the logical filter name.
func (r *ShardRouter) Name() string {
	return r.name
}

// ShardIndex returns the shard data is routed to.
func (r *ShardRouter) ShardIndex(data []byte) int {
	return int(fastRange(routeHash(data), uint64(len(r.shards))))
}

// ShardIndexString returns the shard s is routed to.
func (r *ShardRouter) ShardIndexString(s string) int {
	return int(fastRange(routeHashString(s), uint64(len(r.shards))))
}

// Add inserts data into its shard.
func (r *ShardRouter) Add(data []byte) {
	r.shards[r.ShardIndex(data)].Add(data)
}

// AddString inserts s into its shard.
func (r *ShardRouter) AddString(s string) {
	r.shards[r.ShardIndexString(s)].AddString(s)
}

// Contains reports whether data might be in the filter.
func (r *ShardRouter) Contains(data []byte) bool {
	return r.shards[r.ShardIndex(data)].Contains(data)
}

// ContainsString reports whether s might be in the filter.
func (r *ShardRouter) ContainsString(s string) bool {
	return r.shards[r.ShardIndexString(s)].ContainsString(s)
}

// Clear clears every shard.
func (r *ShardRouter) Clear() {
	for _, g := range r.shards {
		g.Clear()
	}
}

// Dirty reports whether any shard has unsaved mutations.
func (r *ShardRouter) Dirty() bool {
	for _, g := range r.shards {
		if g.Dirty() {
			return true
		}
	}
	return false
}

// NumShards returns the number of shards.
func (r *ShardRouter) NumShards() int {
	return len(r.shards)
}

// Shard returns shard i.
func (r *ShardRouter) Shard(i int) *Guard {
	return r.shards[i]
}
