package netcore

import (
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/canopyos/corenet/packet"
)

// Registry is the central table binding protocol, network, and data-link
// layers together. One registry is constructed at startup and injected
// into everything that dispatches; there is no package-level state, so
// tests can build a fresh registry apiece.
type Registry struct {
	l *logrus.Logger

	// mu guards the three layer lists. Lookups take it shared,
	// registration and removal take it exclusive. Registration must only
	// happen from a context where blocking is acceptable.
	mu        sync.RWMutex
	protocols []*ProtocolEntry
	networks  []*NetworkEntry
	dataLinks []*DataLinkEntry

	// Hot-path cache pointers for the entries that dominate traffic.
	// IPv4, ARP, TCP and UDP carry nearly every packet, so their lookups
	// skip the lock and the list scan entirely.
	tcpProtocol *ProtocolEntry
	udpProtocol *ProtocolEntry
	rawProtocol *ProtocolEntry
	ip4Network  *NetworkEntry
	ip6Network  *NetworkEntry
	arpNetwork  *NetworkEntry

	metricDispatched metrics.Counter
	metricDropped    metrics.Counter
}

// NewRegistry builds an empty registry.
func NewRegistry(l *logrus.Logger) *Registry {
	return &Registry{
		l:                l,
		metricDispatched: metrics.GetOrRegisterCounter("netcore.packets.dispatched", nil),
		metricDropped:    metrics.GetOrRegisterCounter("netcore.packets.dropped", nil),
	}
}

// Logger returns the logger the registry was created with.
func (r *Registry) Logger() *logrus.Logger {
	return r.l
}

// RegisterProtocol adds a transport protocol to the registry. The
// registration record is copied; the caller's memory is not retained.
// The returned entry is the handle used to unregister.
func (r *Registry) RegisterProtocol(reg ProtocolRegistration) (*ProtocolEntry, error) {
	if reg.Type == SocketInvalid || reg.Layer == nil {
		return nil, ErrInvalidParameter
	}

	entry := &ProtocolEntry{
		Type:                 reg.Type,
		ParentProtocolNumber: reg.ParentProtocolNumber,
		Layer:                reg.Layer,
		sockets:              newSocketIndex(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// A protocol is unique by its (type, parent protocol number) pair.
	for _, p := range r.protocols {
		if p.Type == reg.Type && p.ParentProtocolNumber == reg.ParentProtocolNumber {
			return nil, ErrDuplicateEntry
		}
	}

	r.protocols = append(r.protocols, entry)

	// Save the common ones for quick access.
	switch {
	case entry.Type == SocketStream && entry.ParentProtocolNumber == ProtocolNumberTCP:
		r.tcpProtocol = entry
	case entry.Type == SocketDatagram && entry.ParentProtocolNumber == ProtocolNumberUDP:
		r.udpProtocol = entry
	case entry.Type == SocketRaw:
		r.rawProtocol = entry
	}

	r.l.WithFields(logrus.Fields{
		"type":           entry.Type,
		"parentProtocol": entry.ParentProtocolNumber,
	}).Debug("Registered protocol layer")

	return entry, nil
}

// UnregisterProtocol removes a protocol by handle identity. Unknown
// handles are a no-op.
func (r *Registry) UnregisterProtocol(handle *ProtocolEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, p := range r.protocols {
		if p == handle {
			r.protocols = append(r.protocols[:i], r.protocols[i+1:]...)
			switch handle {
			case r.tcpProtocol:
				r.tcpProtocol = nil
			case r.udpProtocol:
				r.udpProtocol = nil
			case r.rawProtocol:
				r.rawProtocol = nil
			}
			return
		}
	}
}

// RegisterNetwork adds a network layer. Socket-capable domains must
// supply the full socket surface; the registration fails otherwise.
func (r *Registry) RegisterNetwork(reg NetworkRegistration) (*NetworkEntry, error) {
	if reg.Domain == DomainInvalid || reg.Layer == nil {
		return nil, ErrInvalidParameter
	}

	if reg.Domain.IsSocketNetwork() {
		if _, ok := reg.Layer.(SocketNetworkLayer); !ok {
			return nil, ErrInvalidParameter
		}
	}

	entry := &NetworkEntry{
		Domain:               reg.Domain,
		ParentProtocolNumber: reg.Layer.ParentProtocolNumber(),
		Layer:                reg.Layer,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, n := range r.networks {
		if n.Domain == reg.Domain {
			return nil, ErrDuplicateEntry
		}
	}

	r.networks = append(r.networks, entry)

	switch entry.Domain {
	case DomainIP4:
		r.ip4Network = entry
	case DomainIP6:
		r.ip6Network = entry
	case DomainARP:
		r.arpNetwork = entry
	}

	r.l.WithField("domain", entry.Domain).Debug("Registered network layer")
	return entry, nil
}

// UnregisterNetwork removes a network layer by handle identity.
func (r *Registry) UnregisterNetwork(handle *NetworkEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, n := range r.networks {
		if n == handle {
			r.networks = append(r.networks[:i], r.networks[i+1:]...)
			switch handle {
			case r.ip4Network:
				r.ip4Network = nil
			case r.ip6Network:
				r.ip6Network = nil
			case r.arpNetwork:
				r.arpNetwork = nil
			}
			return
		}
	}
}

// RegisterDataLink adds a data-link layer, unique by domain.
func (r *Registry) RegisterDataLink(reg DataLinkRegistration) (*DataLinkEntry, error) {
	if reg.Domain == DomainInvalid || reg.Layer == nil {
		return nil, ErrInvalidParameter
	}

	entry := &DataLinkEntry{Domain: reg.Domain, Layer: reg.Layer}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.dataLinks {
		if d.Domain == reg.Domain {
			return nil, ErrDuplicateEntry
		}
	}

	r.dataLinks = append(r.dataLinks, entry)
	r.l.WithField("domain", entry.Domain).Debug("Registered data-link layer")
	return entry, nil
}

// UnregisterDataLink removes a data-link layer by handle identity.
func (r *Registry) UnregisterDataLink(handle *DataLinkEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, d := range r.dataLinks {
		if d == handle {
			r.dataLinks = append(r.dataLinks[:i], r.dataLinks[i+1:]...)
			return
		}
	}
}

// NetworkEntryByProtocol looks up a network layer by its data-link
// protocol number. The common entries are checked without the lock.
func (r *Registry) NetworkEntryByProtocol(parentProtocolNumber uint32) *NetworkEntry {
	switch parentProtocolNumber {
	case EtherTypeIP4:
		if e := r.ip4Network; e != nil {
			return e
		}
	case EtherTypeARP:
		if e := r.arpNetwork; e != nil {
			return e
		}
	case EtherTypeIP6:
		if e := r.ip6Network; e != nil {
			return e
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.networks {
		if n.ParentProtocolNumber != InvalidProtocolNumber &&
			n.ParentProtocolNumber == parentProtocolNumber {
			return n
		}
	}
	return nil
}

// NetworkEntryByDomain looks up a network layer by address domain.
func (r *Registry) NetworkEntryByDomain(domain Domain) *NetworkEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.networks {
		if n.Domain == domain {
			return n
		}
	}
	return nil
}

// ProtocolEntryByNumber looks up a protocol layer by parent protocol
// number, checking the hot cache first.
func (r *Registry) ProtocolEntryByNumber(parentProtocolNumber uint32) *ProtocolEntry {
	switch parentProtocolNumber {
	case ProtocolNumberTCP:
		if e := r.tcpProtocol; e != nil {
			return e
		}
	case ProtocolNumberUDP:
		if e := r.udpProtocol; e != nil {
			return e
		}
	case ProtocolNumberRaw:
		if e := r.rawProtocol; e != nil {
			return e
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.protocols {
		if p.ParentProtocolNumber == parentProtocolNumber {
			return p
		}
	}
	return nil
}

// DataLinkEntryByDomain looks up a data-link layer by domain.
func (r *Registry) DataLinkEntryByDomain(domain Domain) *DataLinkEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.dataLinks {
		if d.Domain == domain {
			return d
		}
	}
	return nil
}

// ProcessReceivedPacket is the entry point NIC drivers call on packet
// arrival. The packet buffer may be scratched over as it travels up the
// stack but is not referenced after this returns.
func (r *Registry) ProcessReceivedPacket(link *Link, pkt *packet.Buffer) {
	r.metricDispatched.Inc(1)
	link.DataLink.Layer.ProcessReceivedPacket(link, pkt)
}

// DropReceived counts a packet dropped on the floor by a layer.
func (r *Registry) DropReceived() {
	r.metricDropped.Inc(1)
}

// AddressToString renders an address using the layer that owns its
// domain, falling back to the domain name when none is registered.
func (r *Registry) AddressToString(addr *Address) string {
	if addr == nil {
		return "(nil)"
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if addr.Domain.IsPhysical() {
		for _, d := range r.dataLinks {
			if d.Domain == addr.Domain {
				return d.Layer.AddressToString(addr)
			}
		}
	} else {
		for _, n := range r.networks {
			if n.Domain == addr.Domain {
				return n.Layer.AddressToString(addr)
			}
		}
	}

	return addr.Domain.String()
}

// counts returns the list lengths, for tests.
func (r *Registry) counts() (protocols, networks, dataLinks int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.protocols), len(r.networks), len(r.dataLinks)
}
