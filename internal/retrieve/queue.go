package retrieve

import (
	"context"
	"time"
)

// progressReporter is implemented by work that knows how many bytes it expects.
type progressReporter interface {
	ContentLength() int64
	ContentLengthRead() int64
}

// task is the queue record, ordering data kept apart from the work itself.
type task struct {
	name      string
	priority  float64
	seq       uint64
	submitted time.Time
	work      func(ctx context.Context)
	progress  progressReporter
	index     int
}

// taskQueue orders by ascending priority, then by submission.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x interface{}) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
