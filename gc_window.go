package main

import (
	"fmt"
	"runtime"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
)

// gcPauseWindow remembers the GC count seen at the previous stats tick so
// each tick reports only the pauses that happened since.
// Owned by displayStats; not safe for concurrent use.
type gcPauseWindow struct {
	lastNumGC uint32
	primed    bool
}

// snapshot returns the p99 of the new pauses and how many were considered.
// truncated is set when more GCs ran than runtime.MemStats keeps.
func (w *gcPauseWindow) snapshot(mem *runtime.MemStats) (p99 time.Duration, count int, truncated bool) {
	if mem == nil {
		return 0, 0, false
	}
	prev, primed := w.lastNumGC, w.primed
	w.lastNumGC, w.primed = mem.NumGC, true
	if !primed || mem.NumGC <= prev {
		return 0, 0, false
	}
	ring := len(mem.PauseNs)
	n := int(mem.NumGC - prev)
	if n > ring {
		n, truncated = ring, true
	}
	pauses := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		// PauseNs[(NumGC+255)%256] is the most recent pause.
		idx := (int(mem.NumGC) - 1 - i + ring*2) % ring
		if v := mem.PauseNs[idx]; v > 0 {
			pauses = append(pauses, v)
		}
	}
	if len(pauses) == 0 {
		return 0, 0, truncated
	}
	slices.Sort(pauses)
	return time.Duration(pauses[int(float64(len(pauses)-1)*0.99)]), len(pauses), truncated
}

// runtimeLine formats heap, goroutines and recent GC pauses for the stats log.
func (w *gcPauseWindow) runtimeLine(mem *runtime.MemStats, goroutines int) string {
	p99, count, truncated := w.snapshot(mem)
	gc := "no GC"
	if count > 0 {
		gc = fmt.Sprintf("GC p99 %s over %d", p99, count)
		if truncated {
			gc += "+"
		}
	}
	return fmt.Sprintf("Runtime: heap %s | %d goroutines | %s",
		humanize.Bytes(mem.HeapAlloc), goroutines, gc)
}
