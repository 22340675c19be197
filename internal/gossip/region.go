package gossip

import (
	"time"

	"github.com/ssd-technologies/holonet/internal/dht"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
)

// rootSlices is the number of space slices the intersected arc set is cut
// into before any halving.
const rootSlices = 16

// rootRegions cuts set into about rootSlices space slices, each spanning the
// whole time window. Slices never cross a gap in the set.
func rootRegions(set dht.ArcSet, timeStart, timeEnd int64) []store.RegionCoords {
	if len(set) == 0 || timeEnd < timeStart {
		return nil
	}
	type span struct{ lo, hi uint32 }
	var spans []span
	var total int64
	for _, iv := range set {
		lo, hi := store.LocBucket(iv.Start), store.LocBucket(iv.End)
		if n := len(spans); n > 0 && spans[n-1].hi >= lo {
			// Two intervals can share an edge bucket.
			if hi > spans[n-1].hi {
				total += int64(hi - spans[n-1].hi)
				spans[n-1].hi = hi
			}
			continue
		}
		spans = append(spans, span{lo, hi})
		total += int64(hi) - int64(lo) + 1
	}

	width := (total + rootSlices - 1) / rootSlices
	var out []store.RegionCoords
	for _, s := range spans {
		for lo := int64(s.lo); lo <= int64(s.hi); lo += width {
			hi := min(lo+width-1, int64(s.hi))
			out = append(out, store.RegionCoords{
				LocStart:  uint32(lo),
				LocEnd:    uint32(hi),
				TimeStart: timeStart,
				TimeEnd:   timeEnd,
			})
		}
	}
	return out
}

// halve splits c along its wider dimension. ok is false when c is a single
// bucket.
func halve(c store.RegionCoords) (a, b store.RegionCoords, ok bool) {
	lw, tw := c.LocWidth(), c.TimeWidth()
	if lw <= 1 && tw <= 1 {
		return c, c, false
	}
	a, b = c, c
	if lw >= tw {
		mid := c.LocStart + uint32((lw-1)/2)
		a.LocEnd = mid
		b.LocStart = mid + 1
	} else {
		mid := c.TimeStart + (tw-1)/2
		a.TimeEnd = mid
		b.TimeStart = mid + 1
	}
	return a, b, true
}

// isLeaf reports whether a differing region is small enough to exchange op
// hashes for directly.
func isLeaf(c store.RegionCoords, mine, theirs store.RegionData, maxOps int) bool {
	if c.LocWidth() <= 1 && c.TimeWidth() <= 1 {
		return true
	}
	return int(max(mine.Count, theirs.Count)) <= maxOps
}

// sameData reports whether two summaries describe the same set of ops.
func sameData(a, b store.RegionData) bool {
	return a.Hash == b.Hash && a.Count == b.Count
}

// windowFor returns the time buckets a loop covers at now. The recent window
// reaches one bucket into the future to tolerate clock skew; the historical
// window ends where the recent one starts.
func windowFor(loop Loop, now, origin types.Timestamp, recentThreshold time.Duration) (start, end int64) {
	recentStart := store.TimeBucket(now.Add(-recentThreshold))
	if loop == LoopRecent {
		return recentStart, store.TimeBucket(now) + 1
	}
	return store.TimeBucket(origin), recentStart - 1
}
