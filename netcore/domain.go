// Package netcore implements the networking core: a registry of protocol,
// network, and data-link layers, and the dispatch glue that routes socket
// operations and received packets to the layer that owns them.
package netcore

import "fmt"

// Domain identifies an address family. Physical domains describe hardware
// addresses owned by a data-link layer; the rest are network domains.
type Domain uint8

const (
	DomainInvalid Domain = iota
	DomainEthernet
	DomainIP4
	DomainIP6
	DomainARP
	DomainNetlink
)

var domainNames = map[Domain]string{
	DomainInvalid:  "invalid",
	DomainEthernet: "ethernet",
	DomainIP4:      "ip4",
	DomainIP6:      "ip6",
	DomainARP:      "arp",
	DomainNetlink:  "netlink",
}

func (d Domain) String() string {
	if n, ok := domainNames[d]; ok {
		return n
	}
	return fmt.Sprintf("domain(%d)", uint8(d))
}

// IsPhysical reports whether addresses in this domain belong to a
// data-link layer rather than a network layer.
func (d Domain) IsPhysical() bool {
	return d == DomainEthernet
}

// IsSocketNetwork reports whether sockets can be created on this domain.
// ARP is a network layer but has no socket surface.
func (d Domain) IsSocketNetwork() bool {
	switch d {
	case DomainIP4, DomainIP6, DomainNetlink:
		return true
	}
	return false
}

// SocketType is the connection model of a socket.
type SocketType uint8

const (
	SocketInvalid SocketType = iota
	SocketDatagram
	SocketStream
	SocketRaw
)

func (t SocketType) String() string {
	switch t {
	case SocketDatagram:
		return "datagram"
	case SocketStream:
		return "stream"
	case SocketRaw:
		return "raw"
	}
	return "invalid"
}

// Well known parent protocol numbers. For network layers these are
// EtherType values; for protocol layers they are IP protocol numbers.
const (
	EtherTypeIP4 uint32 = 0x0800
	EtherTypeARP uint32 = 0x0806
	EtherTypeIP6 uint32 = 0x86DD

	ProtocolNumberTCP uint32 = 6
	ProtocolNumberUDP uint32 = 17
	ProtocolNumberRaw uint32 = 255

	// InvalidProtocolNumber marks a network layer that cannot be reached
	// by parent protocol number lookup.
	InvalidProtocolNumber uint32 = 0xFFFFFFFF
)

// MaxAddressSize is the largest address payload any domain uses.
const MaxAddressSize = 16

// Address is a tagged network address. The byte payload is interpreted
// according to the domain: 6 bytes for Ethernet, 4 for IPv4, 16 for IPv6.
type Address struct {
	Domain Domain
	Port   uint16
	Addr   [MaxAddressSize]byte
	Len    int
}

// NewAddress builds an address from a raw byte payload.
func NewAddress(domain Domain, addr []byte, port uint16) Address {
	if len(addr) > MaxAddressSize {
		panic(fmt.Sprintf("netcore: address payload %d exceeds maximum %d", len(addr), MaxAddressSize))
	}

	a := Address{Domain: domain, Port: port, Len: len(addr)}
	copy(a.Addr[:], addr)
	return a
}

// Bytes returns the live portion of the address payload.
func (a *Address) Bytes() []byte {
	return a.Addr[:a.Len]
}

// IsZero reports whether the address has never been configured.
func (a *Address) IsZero() bool {
	return a.Domain == DomainInvalid
}

// Equal compares domain, port, and payload.
func (a *Address) Equal(other *Address) bool {
	return a.Domain == other.Domain && a.Port == other.Port &&
		a.Len == other.Len && a.Addr == other.Addr
}

// PacketSizeInformation describes the framing overhead a layer stack
// imposes, used to reserve header and footer space on allocation.
type PacketSizeInformation struct {
	HeaderSize    int
	FooterSize    int
	MaxPacketSize int
}
