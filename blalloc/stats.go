package blalloc

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Stats is a snapshot of allocator usage.
type Stats struct {
	Size        uint64
	ChunkSize   uint64
	FreeChunks  uint64
	UsedChunks  uint64
	Fragments   uint64 // free runs that end at a used chunk
	LargestFree uint64 // bytes in the longest free run
	Allocated   uint64 // cumulative
	Requested   uint64 // cumulative
}

// FreeBytes returns the number of unallocated bytes.
func (s Stats) FreeBytes() uint64 { return s.FreeChunks * s.ChunkSize }

func (s Stats) String() string {
	return fmt.Sprintf("size %s, chunk %s, free %s (%d chunks), used %d chunks, "+
		"%d fragments, largest free %s, allocated %s, requested %s",
		humanize.IBytes(s.Size), humanize.IBytes(s.ChunkSize),
		humanize.IBytes(s.FreeBytes()), s.FreeChunks, s.UsedChunks,
		s.Fragments, humanize.IBytes(s.LargestFree),
		humanize.IBytes(s.Allocated), humanize.IBytes(s.Requested))
}

// Stats walks the whole bitmap.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{
		Size:      a.size,
		ChunkSize: a.ChunkSize(),
		Allocated: a.allocated,
		Requested: a.requested,
	}
	var run uint64
	prevFree := false
	for i := uint64(0); i < a.chunkCount; i++ {
		if a.get(i) == chunkFree {
			s.FreeChunks++
			run++
			s.LargestFree = max(s.LargestFree, run)
			prevFree = true
			continue
		}
		s.UsedChunks++
		if prevFree {
			s.Fragments++
		}
		run = 0
		prevFree = false
	}
	s.LargestFree *= s.ChunkSize
	return s
}
