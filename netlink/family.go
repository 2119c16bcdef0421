// Package netlink implements the generic netlink control family: a
// registry of message families with dynamically allocated ids and
// multicast groups, and the discovery message codec that lets clients
// resolve a family name to its id.
package netlink

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/canopyos/corenet/netcore"
)

// ErrNoFreeFamilyID is returned when the allocatable id range is
// exhausted.
var ErrNoFreeFamilyID = errors.New("netlink: no free family id")

const (
	// FamilyIDMinimum is the first dynamically allocatable family id.
	// Ids below it are reserved for protocol control messages.
	FamilyIDMinimum = 16

	// FamilyIDMaximum is the last allocatable family id.
	FamilyIDMaximum = 1023

	// MaxFamilyNameLength caps a family name, terminator excluded.
	MaxFamilyNameLength = 15
)

// MulticastGroup is one named multicast group owned by a family. The id
// is allocated from the shared group namespace at registration.
type MulticastGroup struct {
	Name string
	ID   uint32
}

// Family is a registered generic netlink family.
type Family struct {
	Name   string
	ID     uint16
	Groups []MulticastGroup
}

// FamilyRegistry tracks registered families and owns the multicast
// group id namespace.
type FamilyRegistry struct {
	l *logrus.Logger

	mu     sync.RWMutex
	byName map[string]*Family
	byID   map[uint16]*Family

	// nextID makes allocation start where the previous one left off, so
	// a freed id is not immediately reused.
	nextID uint16

	// groupBitmap allocates multicast group ids; bit n set means group
	// id n is taken. Bit 0 is permanently reserved, group id zero is
	// not a valid group.
	groupBitmap []uint32
}

// NewFamilyRegistry builds an empty registry.
func NewFamilyRegistry(l *logrus.Logger) *FamilyRegistry {
	return &FamilyRegistry{
		l:           l,
		byName:      make(map[string]*Family),
		byID:        make(map[uint16]*Family),
		nextID:      FamilyIDMinimum,
		groupBitmap: []uint32{0x1},
	}
}

// RegisterFamily allocates an id for the named family plus one
// multicast group id per requested group name, and publishes it.
func (r *FamilyRegistry) RegisterFamily(name string, groupNames []string) (*Family, error) {
	if name == "" || len(name) > MaxFamilyNameLength {
		return nil, netcore.ErrInvalidParameter
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return nil, netcore.ErrDuplicateEntry
	}

	id, ok := r.allocateID()
	if !ok {
		return nil, ErrNoFreeFamilyID
	}

	f := &Family{Name: name, ID: id}
	for _, groupName := range groupNames {
		f.Groups = append(f.Groups, MulticastGroup{
			Name: groupName,
			ID:   r.allocateGroup(),
		})
	}

	r.byName[name] = f
	r.byID[id] = f

	r.l.WithFields(logrus.Fields{
		"family": name,
		"id":     id,
		"groups": len(f.Groups),
	}).Debug("Registered netlink family")

	return f, nil
}

// UnregisterFamily removes the family and releases its group ids.
// Unknown families are a no-op.
func (r *FamilyRegistry) UnregisterFamily(f *Family) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byID[f.ID] != f {
		return
	}

	delete(r.byName, f.Name)
	delete(r.byID, f.ID)
	for _, g := range f.Groups {
		r.freeGroup(g.ID)
	}
}

// FamilyByName looks up a family by name.
func (r *FamilyRegistry) FamilyByName(name string) (*Family, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byName[name]
	return f, ok
}

// FamilyByID looks up a family by id.
func (r *FamilyRegistry) FamilyByID(id uint16) (*Family, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byID[id]
	return f, ok
}

// allocateID finds a free family id, wrapping through the allocatable
// range at most once. Callers hold the lock exclusively.
func (r *FamilyRegistry) allocateID() (uint16, bool) {
	start := r.nextID
	id := start
	for {
		candidate := id
		id++
		if id < FamilyIDMinimum || id > FamilyIDMaximum {
			id = FamilyIDMinimum
		}

		if _, taken := r.byID[candidate]; !taken {
			r.nextID = id
			return candidate, true
		}

		if id == start {
			return 0, false
		}
	}
}

// allocateGroup claims the lowest free multicast group id, growing the
// bitmap when the existing words are exhausted.
func (r *FamilyRegistry) allocateGroup() uint32 {
	for wordIndex, word := range r.groupBitmap {
		if word == ^uint32(0) {
			continue
		}
		for bit := 0; bit < 32; bit++ {
			mask := uint32(1) << bit
			if word&mask == 0 {
				r.groupBitmap[wordIndex] |= mask
				return uint32(wordIndex*32 + bit)
			}
		}
	}

	r.groupBitmap = append(r.groupBitmap, 0x1)
	return uint32((len(r.groupBitmap) - 1) * 32)
}

func (r *FamilyRegistry) freeGroup(id uint32) {
	wordIndex := int(id / 32)
	if wordIndex < len(r.groupBitmap) {
		r.groupBitmap[wordIndex] &^= uint32(1) << (id % 32)
	}
}
