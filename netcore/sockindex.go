package netcore

import (
	"sync"

	radix "github.com/armon/go-radix"
)

// BindingType describes how much of a socket's address pair is fixed.
type BindingType uint8

const (
	BindingInvalid BindingType = iota
	BindingUnbound
	BindingLocal
	BindingFull
)

func (b BindingType) String() string {
	switch b {
	case BindingUnbound:
		return "unbound"
	case BindingLocal:
		return "locally-bound"
	case BindingFull:
		return "fully-bound"
	}
	return "invalid"
}

// SocketIndex holds the sockets of one protocol in three trees of
// increasing specificity. Inbound traffic is matched fully-bound first so
// the most specific socket wins; unbound sockets catch what remains.
type SocketIndex struct {
	mu    sync.RWMutex
	trees [3]*radix.Tree
}

func newSocketIndex() *SocketIndex {
	idx := &SocketIndex{}
	for i := range idx.trees {
		idx.trees[i] = radix.New()
	}
	return idx
}

// Keys are raw byte strings, not printable. Ports sort before addresses
// so a wildcard-address key is a strict prefix of nothing else on the
// same port.
func unboundKey(local *Address) string {
	return string([]byte{byte(local.Port >> 8), byte(local.Port)})
}

func localKey(local *Address) string {
	return unboundKey(local) + string(local.Bytes())
}

func fullKey(local, remote *Address) string {
	return localKey(local) + string([]byte{byte(remote.Port >> 8), byte(remote.Port)}) + string(remote.Bytes())
}

func (idx *SocketIndex) tier(b BindingType) *radix.Tree {
	switch b {
	case BindingUnbound:
		return idx.trees[0]
	case BindingLocal:
		return idx.trees[1]
	case BindingFull:
		return idx.trees[2]
	}
	return nil
}

func (idx *SocketIndex) keyFor(s *Socket) string {
	switch s.BindingType {
	case BindingUnbound:
		return unboundKey(&s.LocalAddress)
	case BindingLocal:
		return localKey(&s.LocalAddress)
	case BindingFull:
		return fullKey(&s.LocalAddress, &s.RemoteAddress)
	}
	return ""
}

// Insert adds the socket to the tree matching its binding type. It
// reports false if another socket already occupies the slot.
func (idx *SocketIndex) Insert(s *Socket) bool {
	tree := idx.tier(s.BindingType)
	if tree == nil {
		return false
	}

	key := idx.keyFor(s)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := tree.Get(key); ok {
		return false
	}

	tree.Insert(key, s)
	return true
}

// Remove takes the socket out of whichever tree holds it.
func (idx *SocketIndex) Remove(s *Socket) {
	tree := idx.tier(s.BindingType)
	if tree == nil {
		return
	}

	idx.mu.Lock()
	tree.Delete(idx.keyFor(s))
	idx.mu.Unlock()
}

// Rebind atomically moves a socket between tiers as its binding type
// changes, so no reader observes the socket in both or neither tree.
func (idx *SocketIndex) Rebind(s *Socket, newType BindingType, local, remote Address) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if old := idx.tier(s.BindingType); old != nil {
		old.Delete(idx.keyFor(s))
	}

	s.BindingType = newType
	s.LocalAddress = local
	s.RemoteAddress = remote
	if tree := idx.tier(newType); tree != nil {
		tree.Insert(idx.keyFor(s), s)
	}
}

// Find returns the most specific socket matching the address pair:
// fully-bound, then locally-bound, then a wildcard-address socket on the
// local port, then unbound.
func (idx *SocketIndex) Find(local, remote *Address) *Socket {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if v, ok := idx.trees[2].Get(fullKey(local, remote)); ok {
		return v.(*Socket)
	}

	if v, ok := idx.trees[1].Get(localKey(local)); ok {
		return v.(*Socket)
	}

	// A locally-bound socket on the wildcard address matches any local
	// address on its port.
	wildcard := Address{Domain: local.Domain, Port: local.Port, Len: local.Len}
	if v, ok := idx.trees[1].Get(localKey(&wildcard)); ok {
		return v.(*Socket)
	}

	if v, ok := idx.trees[0].Get(unboundKey(local)); ok {
		return v.(*Socket)
	}

	return nil
}

// RLock takes the index's read lock. Address reads on a socket take this
// lock so a concurrent rebind cannot expose a torn address.
func (idx *SocketIndex) RLock() { idx.mu.RLock() }

// RUnlock releases the read lock.
func (idx *SocketIndex) RUnlock() { idx.mu.RUnlock() }

// Len returns the total socket count across all tiers.
func (idx *SocketIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.trees[0].Len() + idx.trees[1].Len() + idx.trees[2].Len()
}
