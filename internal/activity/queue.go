package activity

// pendingQueue is a fixed-capacity ring over PendingMessage. Pushing onto a
// full queue evicts the oldest entry rather than blocking or failing: digest
// fidelity degrades under load, memory does not grow.
//
// Every entry carries a monotonic sequence number so a flush can snapshot
// the queue, release the table lock for the duration of the network send,
// and afterwards drop exactly the entries it sent. Entries enqueued while
// the send was in flight keep their place.
type pendingQueue struct {
	items [MaxPending]queueItem
	head  int // index of the oldest entry
	n     int // number of live entries
	seq   int64
}

type queueItem struct {
	seq int64
	msg PendingMessage
}

// push appends msg, evicting the oldest entry if the queue is full.
func (q *pendingQueue) push(msg PendingMessage) {
	q.seq++
	item := queueItem{seq: q.seq, msg: msg}
	if q.n == MaxPending {
		q.items[q.head] = item
		q.head = (q.head + 1) % MaxPending
		return
	}
	q.items[(q.head+q.n)%MaxPending] = item
	q.n++
}

func (q *pendingQueue) len() int { return q.n }

// snapshot returns the queued entries in insertion order together with the
// sequence number of the newest entry included. Passing that number to
// dropThrough removes the snapshotted entries and nothing newer.
func (q *pendingQueue) snapshot() ([]PendingMessage, int64) {
	if q.n == 0 {
		return nil, 0
	}
	out := make([]PendingMessage, q.n)
	for i := 0; i < q.n; i++ {
		out[i] = q.items[(q.head+i)%MaxPending].msg
	}
	return out, q.items[(q.head+q.n-1)%MaxPending].seq
}

// dropThrough removes entries from the front whose sequence number is at or
// below seq. Entries evicted during an in-flight send are already gone, so
// this drops at most what remains of the snapshot.
func (q *pendingQueue) dropThrough(seq int64) {
	for q.n > 0 && q.items[q.head].seq <= seq {
		q.items[q.head] = queueItem{}
		q.head = (q.head + 1) % MaxPending
		q.n--
	}
	if q.n == 0 {
		q.head = 0
	}
}
