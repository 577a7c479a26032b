package event

// Entry is a queued record plus whether it has already been written to the
// local log, so a retried batch is logged once.
type Entry struct {
	JSON   []byte
	Logged bool
}

// Queue is a fixed-capacity FIFO ring. It never evicts: Push on a full queue
// fails. No internal locking; only the main loop touches it.
type Queue struct {
	buf   []Entry
	head  int
	tail  int
	count int
}

// NewQueue allocates a queue holding at most capacity entries (minimum 1).
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{buf: make([]Entry, capacity)}
}

// Push appends raw at the tail. Returns false when the queue is full.
func (q *Queue) Push(raw []byte) bool {
	if q.count >= len(q.buf) {
		return false
	}
	q.buf[q.tail] = Entry{JSON: raw}
	q.tail = (q.tail + 1) % len(q.buf)
	q.count++
	return true
}

// Front returns the head entry, or nil when empty.
func (q *Queue) Front() *Entry {
	return q.At(0)
}

// At returns the i-th entry counted from the head, or nil when out of range.
func (q *Queue) At(i int) *Entry {
	if i < 0 || i >= q.count {
		return nil
	}
	return &q.buf[(q.head+i)%len(q.buf)]
}

// Pop removes the head entry. No-op when empty.
func (q *Queue) Pop() {
	if q.count == 0 {
		return
	}
	q.buf[q.head] = Entry{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
}

func (q *Queue) Len() int    { return q.count }
func (q *Queue) Cap() int    { return len(q.buf) }
func (q *Queue) Empty() bool { return q.count == 0 }
