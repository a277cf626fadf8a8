package relay

import (
	"sync"

	"github.com/eth2030/tokenrelay/core/types"
)

// payerLocks hands out one mutex per payer. Entries are reference counted
// and dropped once no goroutine holds or waits on them.
type payerLocks struct {
	mu    sync.Mutex
	locks map[types.Address]*payerLock
}

type payerLock struct {
	mu   sync.Mutex
	refs int
}

func newPayerLocks() *payerLocks {
	return &payerLocks{locks: make(map[types.Address]*payerLock)}
}

// lock acquires payer's mutex and returns its release function.
func (p *payerLocks) lock(payer types.Address) func() {
	p.mu.Lock()
	l, ok := p.locks[payer]
	if !ok {
		l = new(payerLock)
		p.locks[payer] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(p.locks, payer)
		}
		p.mu.Unlock()
	}
}

func (p *payerLocks) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
