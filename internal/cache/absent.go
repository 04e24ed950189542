package cache

import (
	"io"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/klauspost/compress/flate"
	"github.com/vmihailenco/msgpack/v5"

	"tiler/internal/metrics"
)

const (
	DefaultMaxAbsentTries         = 2
	DefaultMinAbsentCheckInterval = 10 * time.Second
	DefaultAbsentTryAgainInterval = 60 * time.Second
	DefaultMaxAbsentEntries       = 2000
)

type absentEntry struct {
	tries    int
	lastMark time.Time
}

// AbsentList tracks resources that failed to load. A resource counts as absent once it has
// failed maxTries times and the last failure is younger than minCheckInterval. Entries not
// marked again within tryAgainInterval are forgotten on the next check.
type AbsentList struct {
	mu               sync.Mutex
	maxTries         int
	minCheckInterval time.Duration
	tryAgainInterval time.Duration
	entries          *simplelru.LRU[int64, *absentEntry]
	now              func() time.Time
}

func NewAbsentList(maxTries int, minCheckInterval time.Duration) *AbsentList {
	return NewAbsentListWithSize(DefaultMaxAbsentEntries, maxTries, minCheckInterval, DefaultAbsentTryAgainInterval)
}

func NewAbsentListWithSize(maxEntries, maxTries int, minCheckInterval, tryAgainInterval time.Duration) *AbsentList {
	if maxEntries < 1 {
		maxEntries = DefaultMaxAbsentEntries
	}
	entries, _ := simplelru.NewLRU[int64, *absentEntry](maxEntries, nil)
	return &AbsentList{
		maxTries:         maxTries,
		minCheckInterval: minCheckInterval,
		tryAgainInterval: tryAgainInterval,
		entries:          entries,
		now:              time.Now,
	}
}

// SetClock replaces the time source, tests use it to step time.
func (l *AbsentList) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *AbsentList) MarkResourceAbsent(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries.Get(id)
	if !ok {
		e = &absentEntry{}
		l.entries.Add(id, e)
	}
	e.tries++
	e.lastMark = l.now()
	metrics.AbsentMarks.Inc()
}

func (l *AbsentList) IsResourceAbsent(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries.Peek(id)
	if !ok {
		return false
	}
	since := l.now().Sub(e.lastMark)
	if l.tryAgainInterval > 0 && since > l.tryAgainInterval {
		l.entries.Remove(id)
		return false
	}
	return e.tries >= l.maxTries && since < l.minCheckInterval
}

func (l *AbsentList) UnmarkResourceAbsent(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries.Remove(id)
}

// Tries returns how many failures are on record for id.
func (l *AbsentList) Tries(id int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries.Peek(id); ok {
		return e.tries
	}
	return 0
}

func (l *AbsentList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Len()
}

func (l *AbsentList) MaxTries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxTries
}

func (l *AbsentList) SetMaxTries(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxTries = n
}

func (l *AbsentList) MinCheckInterval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.minCheckInterval
}

func (l *AbsentList) SetMinCheckInterval(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minCheckInterval = d
}

func (l *AbsentList) TryAgainInterval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tryAgainInterval
}

func (l *AbsentList) SetTryAgainInterval(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tryAgainInterval = d
}

type absentRecord struct {
	ID       int64     `msgpack:"id"`
	Tries    int       `msgpack:"tries"`
	LastMark time.Time `msgpack:"last_mark"`
}

// Save writes the entries, oldest first, as deflated msgpack.
func (l *AbsentList) Save(w io.Writer) error {
	l.mu.Lock()
	records := make([]absentRecord, 0, l.entries.Len())
	for _, id := range l.entries.Keys() {
		if e, ok := l.entries.Peek(id); ok {
			records = append(records, absentRecord{ID: id, Tries: e.tries, LastMark: e.lastMark})
		}
	}
	l.mu.Unlock()

	fw, err := flate.NewWriter(w, flate.BestSpeed)
	if err != nil {
		return err
	}
	if err := msgpack.NewEncoder(fw).Encode(records); err != nil {
		return err
	}
	return fw.Close()
}

// Load merges entries written by Save, replacing ids already present.
func (l *AbsentList) Load(r io.Reader) error {
	fr := flate.NewReader(r)
	defer fr.Close()

	var records []absentRecord
	if err := msgpack.NewDecoder(fr).Decode(&records); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range records {
		l.entries.Add(rec.ID, &absentEntry{tries: rec.Tries, lastMark: rec.LastMark})
	}
	return nil
}
