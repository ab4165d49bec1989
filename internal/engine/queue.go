package engine

import (
	"container/heap"
	"time"
)

// queueItem is one pending admission request: a job waiting for the
// coordinator loop to start it.
type queueItem struct {
	jobID       string
	priority    int
	submittedAt time.Time
	index       int
}

// priorityQueue orders queueItems by priority (lower first — priority 1
// is admitted ahead of priority 10), then by submission time (earlier
// first) to break ties, matching the (priority, submitted_at) min-heap
// key this system has always scheduled by.
type priorityQueue []*queueItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority < pq[j].priority
	}
	return pq[i].submittedAt.Before(pq[j].submittedAt)
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}

var _ heap.Interface = (*priorityQueue)(nil)
