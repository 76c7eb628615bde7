package vm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Stats is a point-in-time snapshot of runtime counters. It encodes to
// CBOR with MarshalStats.
type Stats struct {
	Heap    HeapStats    `cbor:"heap"`
	Layouts LayoutStats  `cbor:"layouts"`
	Caches  ICStats      `cbor:"caches"`
	Types   int          `cbor:"types"`
	Modules int          `cbor:"modules"`
	Threads int          `cbor:"threads"`
	Pinned  int          `cbor:"pinned"`
	Handles int          `cbor:"handles"`
	Globals GlobalsStats `cbor:"globals"`
}

// HeapStats describes the arena and the collector.
type HeapStats struct {
	Live             int    `cbor:"live"`
	Allocations      uint64 `cbor:"allocations"`
	Collections      uint64 `cbor:"collections"`
	Swept            uint64 `cbor:"swept"`
	WeakLinksCleared uint64 `cbor:"weak_links_cleared"`
}

// LayoutStats describes the layout table.
type LayoutStats struct {
	Count int `cbor:"count"`
	Edges int `cbor:"edges"`
}

// ICStats aggregates inline cache statistics over every live function.
type ICStats struct {
	Functions       int     `cbor:"functions"`        // Live guest functions
	TotalSites      int     `cbor:"total_sites"`      // Cacheable sites across them
	Empty           int     `cbor:"empty"`            // Sites never populated
	Monomorphic     int     `cbor:"monomorphic"`      // Sites with one entry
	Polymorphic     int     `cbor:"polymorphic"`      // Sites with 2-ICDegree entries
	Megamorphic     int     `cbor:"megamorphic"`      // Sites that stopped caching
	Hits            uint64  `cbor:"hits"`             // Total cache hits
	Misses          uint64  `cbor:"misses"`           // Total cache misses
	HitRate         float64 `cbor:"hit_rate"`         // Hit percentage
	MonomorphicRate float64 `cbor:"monomorphic_rate"` // Percentage of used sites that are monomorphic
	Populations     uint64  `cbor:"populations"`
	Evictions       uint64  `cbor:"evictions"`
	TypeChanges     uint64  `cbor:"type_changes"`
}

// GlobalsStats counts global-cache rewrites.
type GlobalsStats struct {
	Rewrites      uint64 `cbor:"rewrites"`
	Invalidations uint64 `cbor:"invalidations"`
}

// Stats gathers a snapshot. It walks the heap and must not race with a
// running thread.
func (rt *Runtime) Stats() Stats {
	s := Stats{
		Heap: HeapStats{
			Live:             rt.heap.Live(),
			Allocations:      rt.heap.Allocations(),
			Collections:      rt.heap.Collections(),
			Swept:            rt.stats.swept,
			WeakLinksCleared: rt.stats.weakLinksCleared,
		},
		Layouts: LayoutStats{Count: rt.layouts.Len(), Edges: rt.layouts.Edges()},
		Types:   len(rt.typeList),
		Modules: len(rt.modules),
		Threads: len(rt.threads),
		Pinned:  len(rt.keepAlive),
		Handles: rt.handles.Len(),
		Globals: GlobalsStats{
			Rewrites:      rt.stats.globalRewrites,
			Invalidations: rt.stats.globalInvalidations,
		},
	}
	rt.collectICStats(&s.Caches)
	return s
}

func (rt *Runtime) collectICStats(stats *ICStats) {
	rt.heap.each(func(obj HeapObject) {
		f, ok := obj.(*Function)
		if !ok || f.code.native != nil {
			return
		}
		stats.Functions++
		for i := range f.sites {
			site := &f.sites[i]
			switch site.state {
			case CacheEmpty:
				stats.Empty++
			case CacheMonomorphic:
				stats.Monomorphic++
			case CachePolymorphic:
				stats.Polymorphic++
			case CacheMegamorphic:
				stats.Megamorphic++
			}
			stats.Hits += site.hits
			stats.Misses += site.misses
		}
		stats.TotalSites += len(f.sites)
	})

	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) * 100 / float64(total)
	}
	used := stats.TotalSites - stats.Empty
	if used > 0 {
		stats.MonomorphicRate = float64(stats.Monomorphic) * 100 / float64(used)
	}
	stats.Populations = rt.stats.populations
	stats.Evictions = rt.stats.evictions
	stats.TypeChanges = rt.stats.typeChanges
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalStats serializes a snapshot to canonical CBOR.
func MarshalStats(s *Stats) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalStats deserializes a snapshot from CBOR bytes.
func UnmarshalStats(data []byte) (*Stats, error) {
	var s Stats
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("vm: unmarshal stats: %w", err)
	}
	return &s, nil
}
