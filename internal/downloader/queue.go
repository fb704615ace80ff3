package downloader

// pendingQueue is a min-heap of record ids ordered by discovery sequence, so the oldest
// pending record is always admitted first.
type pendingQueue []pendingItem

type pendingItem struct {
	id  string
	seq uint64
}

func (q pendingQueue) Len() int           { return len(q) }
func (q pendingQueue) Less(i, j int) bool { return q[i].seq < q[j].seq }
func (q pendingQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *pendingQueue) Push(x any) {
	*q = append(*q, x.(pendingItem))
}

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]

	return item
}
