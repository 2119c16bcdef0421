// Package ethernet implements the Ethernet data-link layer: framing for
// outbound batches and EtherType demultiplexing for inbound frames.
package ethernet

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/canopyos/corenet/netcore"
	"github.com/canopyos/corenet/packet"
)

const (
	// HeaderSize is the fixed Ethernet header: two 6-byte addresses and
	// a 16-bit EtherType.
	HeaderSize = 14

	// AddressSize is the length of a hardware address.
	AddressSize = 6

	// MaxPayload is the largest payload a standard frame carries.
	MaxPayload = 1500

	// AddressStringSize is the buffer size that always fits a rendered
	// address, terminator included.
	AddressStringSize = 18
)

// Layer is the Ethernet data-link layer. One instance serves every
// Ethernet link; per-link state lives on the Link itself.
type Layer struct {
	l        *logrus.Logger
	registry *netcore.Registry

	// addrCounter generates locally-administered addresses. Seeded once
	// at construction, incremented per CreateAddress call.
	addrCounter atomic.Uint64

	metricUnknownProtocol metrics.Counter
}

// NewLayer builds the Ethernet layer. The address generator is seeded
// from a host-identifying checksum, or from the clock when the host name
// is unavailable.
func NewLayer(l *logrus.Logger, registry *netcore.Registry) *Layer {
	e := &Layer{
		l:                     l,
		registry:              registry,
		metricUnknownProtocol: metrics.GetOrRegisterCounter("ethernet.rx.unknown_protocol", nil),
	}

	var seed uint64
	if name, err := os.Hostname(); err == nil && name != "" {
		h := fnv.New64a()
		h.Write([]byte(name))
		seed = h.Sum64()
	} else {
		seed = uint64(time.Now().UnixNano())
	}
	e.addrCounter.Store(seed)

	return e
}

func (e *Layer) Domain() netcore.Domain {
	return netcore.DomainEthernet
}

func (e *Layer) InitializeLink(link *netcore.Link) error {
	e.l.WithField("link", link.Name).Debug("Ethernet link initialized")
	return nil
}

func (e *Layer) DestroyLink(link *netcore.Link) {
	e.l.WithField("link", link.Name).Debug("Ethernet link destroyed")
}

// Send frames each packet in the batch and hands the batch to the
// link's device. A nil destination broadcasts. Callers must have
// reserved header room and kept payloads within the medium's maximum;
// violations are programmer errors and panic.
func (e *Layer) Send(link *netcore.Link, packets []*packet.Buffer, source, destination *netcore.Address, protocolNumber uint32) error {
	dst := e.BroadcastAddress()
	if destination != nil {
		dst = *destination
	}

	for _, pkt := range packets {
		if pkt.PayloadLen() > MaxPayload {
			panic(fmt.Sprintf("ethernet: payload %d exceeds maximum %d", pkt.PayloadLen(), MaxPayload))
		}

		header := pkt.PrependHeader(HeaderSize)
		copy(header[0:6], dst.Bytes())
		copy(header[6:12], source.Bytes())
		binary.BigEndian.PutUint16(header[12:14], uint16(protocolNumber))
	}

	return link.Device.SendRaw(packets)
}

// ProcessReceivedPacket demultiplexes an inbound frame by EtherType and
// forwards it to the registered network layer. Frames for protocols
// nobody registered are dropped with a debug log; a shared medium
// carries traffic we do not speak.
func (e *Layer) ProcessReceivedPacket(link *netcore.Link, pkt *packet.Buffer) {
	payload := pkt.Payload()
	if len(payload) < HeaderSize {
		e.registry.DropReceived()
		return
	}

	protocolNumber := uint32(binary.BigEndian.Uint16(payload[12:14]))
	entry := e.registry.NetworkEntryByProtocol(protocolNumber)
	if entry == nil {
		e.metricUnknownProtocol.Inc(1)
		e.registry.DropReceived()
		e.l.WithFields(logrus.Fields{
			"link":     link.Name,
			"protocol": fmt.Sprintf("%#04x", protocolNumber),
		}).Debug("Dropping frame for unregistered protocol")
		return
	}

	rx := &netcore.ReceiveContext{
		Link:                 link,
		Packet:               pkt,
		ParentProtocolNumber: protocolNumber,
	}
	rx.Source = netcore.NewAddress(netcore.DomainEthernet, payload[6:12], 0)
	rx.Destination = netcore.NewAddress(netcore.DomainEthernet, payload[0:6], 0)

	pkt.Consume(HeaderSize)
	entry.Layer.ProcessReceivedData(rx)
}

// BroadcastAddress returns the all-ones address.
func (e *Layer) BroadcastAddress() netcore.Address {
	return netcore.NewAddress(netcore.DomainEthernet,
		[]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, 0)
}

// AddressToString renders the canonical hex-colon form.
func (e *Layer) AddressToString(addr *netcore.Address) string {
	return net.HardwareAddr(addr.Bytes()).String()
}

func (e *Layer) PacketSizeInformation() netcore.PacketSizeInformation {
	return netcore.PacketSizeInformation{
		HeaderSize:    HeaderSize,
		MaxPacketSize: HeaderSize + MaxPayload,
	}
}

// IsValidAddress reports whether the address is a usable individual
// address. The all-zero and all-ones patterns are not.
func IsValidAddress(addr *netcore.Address) bool {
	b := addr.Bytes()
	if len(b) != AddressSize {
		return false
	}

	var zero, ones int
	for _, v := range b {
		if v == 0 {
			zero++
		}
		if v == 0xff {
			ones++
		}
	}
	return zero != AddressSize && ones != AddressSize
}

// CreateAddress invents a locally-administered unicast address, unique
// within this boot. The 02:00 prefix marks it locally administered.
func (e *Layer) CreateAddress() netcore.Address {
	n := e.addrCounter.Add(1)
	return netcore.NewAddress(netcore.DomainEthernet, []byte{
		0x02, 0x00,
		byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n),
	}, 0)
}
