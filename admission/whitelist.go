package admission

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/eth2030/tokenrelay/core/types"
)

type addressSet struct {
	enabled bool
	members map[types.Address]struct{}
}

// allows reports whether addr passes the set. A disabled or empty set
// admits everyone.
func (s *addressSet) allows(addr types.Address) bool {
	if !s.enabled || len(s.members) == 0 {
		return true
	}
	_, ok := s.members[addr]
	return ok
}

func (s *addressSet) list() []types.Address {
	out := make([]types.Address, 0, len(s.members))
	for a := range s.members {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

// Whitelist admits requests whose sender and target are both permitted.
// The sender and target lists are independent and each can be switched
// off. Newly created lists are enabled.
type Whitelist struct {
	mu      sync.RWMutex
	senders addressSet
	targets addressSet
}

// NewWhitelist returns a whitelist with both lists enabled and empty,
// which admits everything until an address is added.
func NewWhitelist() *Whitelist {
	return &Whitelist{
		senders: addressSet{enabled: true, members: make(map[types.Address]struct{})},
		targets: addressSet{enabled: true, members: make(map[types.Address]struct{})},
	}
}

func (w *Whitelist) Name() string { return NameWhitelist }

func (w *Whitelist) Decide(_ context.Context, req *types.RelayRequest) ([]byte, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.senders.allows(req.From) {
		return nil, fmt.Errorf("%w: sender %v", ErrNotWhitelisted, req.From)
	}
	if !w.targets.allows(req.To) {
		return nil, fmt.Errorf("%w: target %v", ErrNotWhitelisted, req.To)
	}
	return []byte{}, nil
}

// SetSenderWhitelistEnabled switches sender checking on or off. The member
// list is kept either way.
func (w *Whitelist) SetSenderWhitelistEnabled(enabled bool) {
	w.mu.Lock()
	w.senders.enabled = enabled
	w.mu.Unlock()
}

// SetTargetWhitelistEnabled switches target checking on or off.
func (w *Whitelist) SetTargetWhitelistEnabled(enabled bool) {
	w.mu.Lock()
	w.targets.enabled = enabled
	w.mu.Unlock()
}

func (w *Whitelist) AddSender(addrs ...types.Address) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, a := range addrs {
		w.senders.members[a] = struct{}{}
	}
}

func (w *Whitelist) RemoveSender(addr types.Address) {
	w.mu.Lock()
	delete(w.senders.members, addr)
	w.mu.Unlock()
}

func (w *Whitelist) AddTarget(addrs ...types.Address) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, a := range addrs {
		w.targets.members[a] = struct{}{}
	}
}

func (w *Whitelist) RemoveTarget(addr types.Address) {
	w.mu.Lock()
	delete(w.targets.members, addr)
	w.mu.Unlock()
}

// Senders returns the sender list in address order.
func (w *Whitelist) Senders() []types.Address {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.senders.list()
}

// Targets returns the target list in address order.
func (w *Whitelist) Targets() []types.Address {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.targets.list()
}
