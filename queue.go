package repnet

import "sort"

// outQueue holds unacknowledged reliable bunches, oldest first.
// Sequence numbers are strictly increasing.
type outQueue struct {
	items []*OutBunch
}

func (q *outQueue) len() int { return len(q.items) }

func (q *outQueue) push(b *OutBunch) { q.items = append(q.items, b) }

func (q *outQueue) head() *OutBunch {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *outQueue) pop() *OutBunch {
	b := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return b
}

func (q *outQueue) clear() { q.items = nil }

// inQueue holds reliable bunches that arrived ahead of a missing
// predecessor, sorted by sequence number without duplicates.
type inQueue struct {
	items []*InBunch
}

func (q *inQueue) len() int { return len(q.items) }

// insert adds b in sequence order. It reports false if a bunch with the
// same sequence number is already queued.
func (q *inQueue) insert(b *InBunch) bool {
	i := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].ChSequence >= b.ChSequence
	})
	if i < len(q.items) && q.items[i].ChSequence == b.ChSequence {
		return false
	}
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = b
	return true
}

func (q *inQueue) head() *InBunch {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *inQueue) pop() *InBunch {
	b := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return b
}

func (q *inQueue) clear() { q.items = nil }
