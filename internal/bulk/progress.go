package bulk

import (
	"sync"
	"time"
)

// DefaultAverageTileSize is assumed until the store or completed downloads give a better figure.
const DefaultAverageTileSize int64 = 350000

// Progress of a bulk download, sizes in bytes.
type Progress struct {
	CurrentCount int64
	CurrentSize  int64
	TotalCount   int64
	TotalSize    int64
	LastUpdate   time.Time
}

// Percent of tiles done, 100 when nothing was missing.
func (p Progress) Percent() float64 {
	if p.TotalCount <= 0 {
		return 100
	}
	return 100 * float64(p.CurrentCount) / float64(p.TotalCount)
}

type tracker struct {
	mu  sync.Mutex
	p   Progress
	now func() time.Time

	// sizes of completed downloads, used to refine the average
	avg       int64
	doneBytes int64
	doneCount int64
}

func newTracker(avg int64, now func() time.Time) *tracker {
	if avg <= 0 {
		avg = DefaultAverageTileSize
	}
	return &tracker{avg: avg, now: now}
}

func (tr *tracker) snapshot() Progress {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.p
}

func (tr *tracker) average() int64 {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.avg
}

func (tr *tracker) start(total int64) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.p.TotalCount = total
	tr.p.TotalSize = total * tr.avg
	tr.p.LastUpdate = tr.now()
}

// retrieved counts a tile off, size is 0 when unknown.
func (tr *tracker) retrieved(size int64) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if size > 0 {
		tr.doneBytes += size
		tr.doneCount++
		tr.avg = tr.doneBytes / tr.doneCount
	} else {
		size = tr.avg
	}
	tr.p.CurrentCount++
	tr.p.CurrentSize += size
	tr.p.TotalSize = tr.p.TotalCount * tr.avg
	tr.touch()
}

// absent removes a tile from the expected totals.
func (tr *tracker) absent() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.p.TotalCount--
	tr.p.TotalSize = tr.p.TotalCount * tr.avg
	tr.touch()
}

func (tr *tracker) finish() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.p.TotalCount = tr.p.CurrentCount
	tr.p.TotalSize = tr.p.CurrentSize
	tr.p.LastUpdate = tr.now()
}

// touch keeps total >= current. Caller holds mu.
func (tr *tracker) touch() {
	if tr.p.TotalCount < tr.p.CurrentCount {
		tr.p.TotalCount = tr.p.CurrentCount
	}
	if tr.p.TotalSize < tr.p.CurrentSize {
		tr.p.TotalSize = tr.p.CurrentSize
	}
	tr.p.LastUpdate = tr.now()
}
