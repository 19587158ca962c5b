// Package ticket implements the lottery-ticket ledger used for priority
// inheritance: threads lend tickets to whichever thread currently holds a
// resource they are blocked on, and reclaim them on release.
package ticket

import "sync"

// ThreadID identifies a ledger participant. The ledger is keyed by this id
// rather than a thread pointer so it can be unit tested without
// constructing a full process/thread graph.
type ThreadID uint64

// Record is one outstanding lend: amount tickets moved from Source to
// Target. It lives on exactly two lists: Source's lended list and
// Target's borrowed list.
type Record struct {
	Source ThreadID
	Target ThreadID
	Amount int64
}

// Ledger tracks, per thread, a base ticket allotment and the outstanding
// lend records that currently adjust it. Invariant (spec.md §3): for every
// thread T, (sum of amounts borrowed by T) + (T.base - sum of amounts T
// lent out) == T.tickets.
type Ledger struct {
	mu       sync.Mutex
	base     map[ThreadID]int64
	lended   map[ThreadID][]*Record
	borrowed map[ThreadID][]*Record
}

// NewLedger constructs an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		base:     make(map[ThreadID]int64),
		lended:   make(map[ThreadID][]*Record),
		borrowed: make(map[ThreadID][]*Record),
	}
}

// Register establishes id's base allotment, the per_process_tickets value
// a thread starts with at creation or after an exec resets it.
func (l *Ledger) Register(id ThreadID, base int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.base[id] = base
	delete(l.lended, id)
	delete(l.borrowed, id)
}

// Reset re-establishes id's base allotment and discards every outstanding
// record that names id as source or target, the ticket side effect of
// sys_execve (S5): after a successful exec, tickets == PER_PROCESS_TICKETS
// and both ledgers are empty.
func (l *Ledger) Reset(id ThreadID, base int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseAllLocked(id)
	l.base[id] = base
}

func (l *Ledger) releaseAllLocked(id ThreadID) {
	for _, r := range append([]*Record(nil), l.lended[id]...) {
		l.removeRecordLocked(r)
	}
	for _, r := range append([]*Record(nil), l.borrowed[id]...) {
		l.removeRecordLocked(r)
	}
}

// ReleaseAll discards every outstanding record naming id as either source
// or target, without touching id's base allotment. Used when a thread
// exits or is killed so its tickets do not leak into a ledger nobody can
// reach anymore.
func (l *Ledger) ReleaseAll(id ThreadID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseAllLocked(id)
}

// Tickets returns id's current effective ticket count: base, minus
// everything id has lent out, plus everything id has borrowed in.
func (l *Ledger) Tickets(id ThreadID) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ticketsLocked(id)
}

func (l *Ledger) ticketsLocked(id ThreadID) int64 {
	total := l.base[id]
	for _, r := range l.lended[id] {
		total -= r.Amount
	}
	for _, r := range l.borrowed[id] {
		total += r.Amount
	}
	return total
}

// Transfer lends up to amount tickets from 'from' to 'to', clamped to
// from's current balance. A clamped-to-zero request is a no-op and
// returns nil. On success the new Record is pushed onto from's lended
// list and to's borrowed list and returned so the caller can release it
// later (e.g. when the futex the lend was backing is released).
func (l *Ledger) Transfer(from, to ThreadID, amount int64) *Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	available := l.ticketsLocked(from)
	if amount > available {
		amount = available
	}
	if amount <= 0 {
		return nil
	}

	r := &Record{Source: from, Target: to, Amount: amount}
	l.lended[from] = append(l.lended[from], r)
	l.borrowed[to] = append(l.borrowed[to], r)
	return r
}

// Release reverses a Transfer: it removes r from both lists, restoring
// each side's ticket balance to what it would have been had the transfer
// never happened. Release is idempotent; releasing an already-released or
// unknown record is a no-op.
func (l *Ledger) Release(r *Record) {
	if r == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeRecordLocked(r)
}

func (l *Ledger) removeRecordLocked(r *Record) {
	l.lended[r.Source] = removeRecord(l.lended[r.Source], r)
	l.borrowed[r.Target] = removeRecord(l.borrowed[r.Target], r)
}

func removeRecord(list []*Record, r *Record) []*Record {
	for i, e := range list {
		if e == r {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
