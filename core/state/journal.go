package state

import (
	"math/big"

	"github.com/eth2030/tokenrelay/core/types"
)

// journalEntry is a revertible host mutation.
type journalEntry interface {
	revert(h *Host)
}

// journal tracks host modifications inside an atomic section.
type journal struct {
	entries   []journalEntry
	snapshots map[int]int // snapshot ID -> entry index
	nextID    int
}

func newJournal() *journal {
	return &journal{snapshots: make(map[int]int)}
}

func (j *journal) append(entry journalEntry) {
	j.entries = append(j.entries, entry)
}

func (j *journal) length() int {
	return len(j.entries)
}

func (j *journal) snapshot() int {
	id := j.nextID
	j.nextID++
	j.snapshots[id] = len(j.entries)
	return id
}

func (j *journal) revertToSnapshot(id int, h *Host) {
	idx, ok := j.snapshots[id]
	if !ok {
		return
	}
	for i := len(j.entries) - 1; i >= idx; i-- {
		j.entries[i].revert(h)
	}
	j.entries = j.entries[:idx]
	for sid := range j.snapshots {
		if sid >= id {
			delete(j.snapshots, sid)
		}
	}
}

// reset drops all entries once the outermost section commits.
func (j *journal) reset() {
	j.entries = j.entries[:0]
	clear(j.snapshots)
}

// --- Concrete journal entries ---

// bookChange restores one slot of an address-keyed amount book (token
// balances, native balances, deposits).
type bookChange struct {
	book map[types.Address]*big.Int
	addr types.Address
	prev *big.Int // nil if the slot did not exist
}

func (ch bookChange) revert(*Host) {
	if ch.prev == nil {
		delete(ch.book, ch.addr)
	} else {
		ch.book[ch.addr] = ch.prev
	}
}

type allowanceChange struct {
	book map[allowanceKey]*big.Int
	key  allowanceKey
	prev *big.Int
}

func (ch allowanceChange) revert(*Host) {
	if ch.prev == nil {
		delete(ch.book, ch.key)
	} else {
		ch.book[ch.key] = ch.prev
	}
}

type reserveChange struct {
	prev0, prev1 *big.Int
}

func (ch reserveChange) revert(h *Host) {
	h.pool.reserve0 = ch.prev0
	h.pool.reserve1 = ch.prev1
}
