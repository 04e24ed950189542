package imagery

import (
	"fmt"

	"tiler/internal/level"
)

// TileState tracks a tile through loading.
type TileState int

const (
	NotRequested TileState = iota
	CachedLocal
	Queued
	Fetching
	Decoding
	Stored
	Absent
)

func (s TileState) String() string {
	switch s {
	case NotRequested:
		return "not requested"
	case CachedLocal:
		return "cached local"
	case Queued:
		return "queued"
	case Fetching:
		return "fetching"
	case Decoding:
		return "decoding"
	case Stored:
		return "stored"
	case Absent:
		return "absent"
	}
	return fmt.Sprintf("TileState(%d)", int(s))
}

// Event is fired when a tile became available from the local store or the network.
type Event struct {
	Layer string
	Key   level.TileKey
	Path  string
	State TileState
	Size  int64
}

type Listener func(Event)

// Outcome reports how a download ended.
type Outcome struct {
	Key   level.TileKey
	State TileState
	Size  int64
	Err   error
}

func (o Outcome) Stored() bool {
	return o.State == Stored || o.State == CachedLocal
}
