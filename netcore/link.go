package netcore

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/canopyos/corenet/packet"
)

// Device is the raw transmit entry point a NIC driver provides when it
// creates a link. The data-link layer hands it fully framed packets.
type Device interface {
	SendRaw(packets []*packet.Buffer) error
}

// TranslationCache maps network addresses to physical addresses. ARP
// feeds it; send paths consult it. The core consumes the cache through
// this interface and does not own its eviction policy.
type TranslationCache interface {
	Add(protocolAddr, physicalAddr Address)
	Find(protocolAddr *Address) (Address, bool)
}

// MapTranslationCache is the default in-memory translation cache.
type MapTranslationCache struct {
	mu sync.RWMutex
	m  map[Address]Address
}

func NewMapTranslationCache() *MapTranslationCache {
	return &MapTranslationCache{m: make(map[Address]Address)}
}

func (c *MapTranslationCache) Add(protocolAddr, physicalAddr Address) {
	key := protocolAddr
	key.Port = 0
	c.mu.Lock()
	c.m[key] = physicalAddr
	c.mu.Unlock()
}

func (c *MapTranslationCache) Find(protocolAddr *Address) (Address, bool) {
	key := *protocolAddr
	key.Port = 0
	c.mu.RLock()
	phys, ok := c.m[key]
	c.mu.RUnlock()
	return phys, ok
}

// Len returns the number of cached translations.
func (c *MapTranslationCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// Link is one network interface instance: a data-link binding, a
// physical address, and zero or more configured network addresses.
type Link struct {
	Name     string
	DataLink *DataLinkEntry
	Device   Device

	l            *logrus.Logger
	translations TranslationCache

	// mu guards the configured address state. Send paths hold it only
	// around the address copy, never across a transmit.
	mu           sync.Mutex
	physicalAddr Address
	addresses    []Address
}

// NewLink builds a link bound to the given data-link entry and device.
func NewLink(l *logrus.Logger, name string, dataLink *DataLinkEntry, device Device, physicalAddr Address, cache TranslationCache) *Link {
	return &Link{
		Name:         name,
		DataLink:     dataLink,
		Device:       device,
		l:            l,
		translations: cache,
		physicalAddr: physicalAddr,
	}
}

// Logger returns the logger the link was created with.
func (ln *Link) Logger() *logrus.Logger {
	return ln.l
}

// Translations returns the link's address translation cache.
func (ln *Link) Translations() TranslationCache {
	return ln.translations
}

// PhysicalAddress returns the link's hardware address.
func (ln *Link) PhysicalAddress() Address {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.physicalAddr
}

// AddAddress configures a network address on the link.
func (ln *Link) AddAddress(addr Address) {
	ln.mu.Lock()
	ln.addresses = append(ln.addresses, addr)
	ln.mu.Unlock()
}

// RemoveAddress drops a configured address.
func (ln *Link) RemoveAddress(addr Address) {
	ln.mu.Lock()
	for i := range ln.addresses {
		if ln.addresses[i].Equal(&addr) {
			ln.addresses = append(ln.addresses[:i], ln.addresses[i+1:]...)
			break
		}
	}
	ln.mu.Unlock()
}

// ConfiguredAddress returns the link's address on the given domain. The
// copy happens under the link lock; callers that validated earlier must
// re-check the ok result, since the address may have been unconfigured in
// between.
func (ln *Link) ConfiguredAddress(domain Domain) (Address, bool) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	for i := range ln.addresses {
		if ln.addresses[i].Domain == domain {
			return ln.addresses[i], true
		}
	}
	return Address{}, false
}

// OwnsAddress reports whether the given network address is configured on
// this link, ignoring the port.
func (ln *Link) OwnsAddress(addr *Address) bool {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	for i := range ln.addresses {
		a := &ln.addresses[i]
		if a.Domain == addr.Domain && a.Len == addr.Len && a.Addr == addr.Addr {
			return true
		}
	}
	return false
}
