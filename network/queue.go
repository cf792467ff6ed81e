package network

import "container/list"

// DefaultMaxQueueSize caps the relay's offline queue across all destinations.
const DefaultMaxQueueSize = 100_000

// QueuedMessage is a frame waiting for its destination to connect.
type QueuedMessage struct {
	From   string
	To     string
	Data   []byte
	Binary bool
}

// Queue is a bounded FIFO shared by all destinations. When full, pushing
// evicts the oldest entry regardless of destination.
//
// Queue is not safe for concurrent use; Server guards it with its routing lock.
type Queue struct {
	max     int
	entries *list.List
	perDest map[string]int
}

// NewQueue returns an empty queue holding at most max entries.
func NewQueue(max int) *Queue {
	if max <= 0 {
		max = DefaultMaxQueueSize
	}
	return &Queue{
		max:     max,
		entries: list.New(),
		perDest: make(map[string]int),
	}
}

// Push appends msg and reports whether an older entry was evicted to make room.
func (q *Queue) Push(msg QueuedMessage) (evicted bool) {
	if q.entries.Len() >= q.max {
		q.remove(q.entries.Front())
		evicted = true
	}
	q.entries.PushBack(msg)
	q.perDest[msg.To]++
	return evicted
}

// Drain removes and returns every entry for to, oldest first.
func (q *Queue) Drain(to string) []QueuedMessage {
	if q.perDest[to] == 0 {
		return nil
	}

	out := make([]QueuedMessage, 0, q.perDest[to])
	for e := q.entries.Front(); e != nil; {
		next := e.Next()
		if msg := e.Value.(QueuedMessage); msg.To == to {
			out = append(out, msg)
			q.remove(e)
		}
		e = next
	}
	return out
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	return q.entries.Len()
}

// PendingFor returns the number of entries queued for to.
func (q *Queue) PendingFor(to string) int {
	return q.perDest[to]
}

func (q *Queue) remove(e *list.Element) {
	msg := q.entries.Remove(e).(QueuedMessage)
	if q.perDest[msg.To] <= 1 {
		delete(q.perDest, msg.To)
		return
	}
	q.perDest[msg.To]--
}
