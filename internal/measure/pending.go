package measure

// pendingMatch is a start pulse waiting for its partner. Times are absolute
// wire times in nanoseconds.
type pendingMatch struct {
	at       float64
	deadline float64
}

// pendingQueue holds start pulses in the PendingMatch state. Entries are kept
// in arrival order in a fixed arena, so memory stays bounded however long the
// partner takes to arrive. A match moves an entry to Recorded and an elapsed
// deadline to Expired; neither is retained.
type pendingQueue struct {
	entries []pendingMatch
	limit   int
	expired uint64
}

func newPendingQueue(limit int) *pendingQueue {
	if limit < 1 {
		limit = 1
	}
	return &pendingQueue{entries: make([]pendingMatch, 0, limit), limit: limit}
}

// open adds a start at time at. When the arena is full the oldest entry is
// expired to make room.
func (q *pendingQueue) open(at, deadline float64) {
	if len(q.entries) == q.limit {
		q.remove(0)
		q.expired++
	}
	q.entries = append(q.entries, pendingMatch{at: at, deadline: deadline})
}

// expire drops every entry whose deadline is before now and returns how many
// were dropped.
func (q *pendingQueue) expire(now float64) int {
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.deadline >= now {
			kept = append(kept, e)
		}
	}
	n := len(q.entries) - len(kept)
	q.entries = kept
	q.expired += uint64(n)
	return n
}

// drain expires every entry still pending.
func (q *pendingQueue) drain() {
	q.expired += uint64(len(q.entries))
	q.entries = q.entries[:0]
}

// match consumes the earliest entry whose distance to t lies in [lo, hi] and
// that has not passed its deadline. It returns t minus the entry's start.
func (q *pendingQueue) match(t, lo, hi float64) (float64, bool) {
	for i, e := range q.entries {
		if t > e.deadline {
			continue
		}
		dt := t - e.at
		if dt >= lo && dt <= hi {
			q.remove(i)
			return dt, true
		}
	}
	return 0, false
}

func (q *pendingQueue) remove(i int) {
	copy(q.entries[i:], q.entries[i+1:])
	q.entries = q.entries[:len(q.entries)-1]
}

// size returns the number of entries still pending.
func (q *pendingQueue) size() int { return len(q.entries) }

// reset drops every pending entry and the expired count.
func (q *pendingQueue) reset() {
	q.entries = q.entries[:0]
	q.expired = 0
}
