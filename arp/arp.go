// Package arp resolves IPv4 addresses to Ethernet addresses. It is a
// stateless request/reply handler; the durable translation table is the
// link's translation cache, which this package feeds but does not own.
package arp

import (
	"encoding/binary"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/canopyos/corenet/netcore"
	"github.com/canopyos/corenet/packet"
)

// An Ethernet+IPv4 ARP packet is exactly 28 bytes:
//
//	 0               1               2               3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|         hardware type         |         protocol type         |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|    hw len     |   proto len   |           operation           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                  sender hardware address (6)                  |
//	+                               +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                               |  sender protocol address (4)  |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+                               +
//	|                               |  target hardware address (6)  |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+                               +
//	|                                                               |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                  target protocol address (4)                  |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
const (
	headerSize = 8
	packetSize = 28

	hardwareTypeEthernet = 1
	hardwareAddrLen      = 6
	protocolAddrLen      = 4

	opRequest = 1
	opReply   = 2

	offSenderHW    = 8
	offSenderProto = 14
	offTargetHW    = 18
	offTargetProto = 24
)

// Layer is the ARP network layer. It carries no per-packet state; every
// handler runs to completion on the packet it was given.
type Layer struct {
	l *logrus.Logger

	metricRequestsAnswered metrics.Counter
	metricRepliesLearned   metrics.Counter
	metricDropped          metrics.Counter
}

// NewLayer builds the ARP layer.
func NewLayer(l *logrus.Logger) *Layer {
	return &Layer{
		l:                      l,
		metricRequestsAnswered: metrics.GetOrRegisterCounter("arp.requests.answered", nil),
		metricRepliesLearned:   metrics.GetOrRegisterCounter("arp.replies.learned", nil),
		metricDropped:          metrics.GetOrRegisterCounter("arp.dropped", nil),
	}
}

func (a *Layer) Domain() netcore.Domain {
	return netcore.DomainARP
}

func (a *Layer) ParentProtocolNumber() uint32 {
	return netcore.EtherTypeARP
}

func (a *Layer) InitializeLink(link *netcore.Link) error { return nil }

func (a *Layer) DestroyLink(link *netcore.Link) {}

// AddressToString returns the empty string. ARP has no addressable
// representation of its own; everything it sends is broadcast or a
// direct answer.
func (a *Layer) AddressToString(addr *netcore.Address) string {
	return ""
}

// SendRequest broadcasts a who-has query for queryAddr. The link's own
// IPv4 address is copied under the link lock; if the address was
// unconfigured between the caller's validation and now, the request
// fails with ErrNoNetworkConnection rather than going out with a stale
// sender.
func (a *Layer) SendRequest(link *netcore.Link, queryAddr netcore.Address) error {
	senderProto, ok := link.ConfiguredAddress(netcore.DomainIP4)
	if !ok {
		return netcore.ErrNoNetworkConnection
	}

	senderHW := link.PhysicalAddress()

	pkt := a.buildPacket(opRequest, &senderHW, &senderProto, nil, &queryAddr,
		link.DataLink.Layer.PacketSizeInformation())

	a.l.WithFields(logrus.Fields{
		"link":  link.Name,
		"query": queryAddr.Bytes(),
	}).Debug("Sending ARP request")

	return link.DataLink.Layer.Send(link, []*packet.Buffer{pkt}, &senderHW, nil,
		netcore.EtherTypeARP)
}

// SendReply answers a specific requester with the binding for
// ownedAddr.
func (a *Layer) SendReply(link *netcore.Link, ownedAddr, targetHW, targetProto netcore.Address) error {
	senderHW := link.PhysicalAddress()

	pkt := a.buildPacket(opReply, &senderHW, &ownedAddr, &targetHW, &targetProto,
		link.DataLink.Layer.PacketSizeInformation())

	return link.DataLink.Layer.Send(link, []*packet.Buffer{pkt}, &senderHW, &targetHW,
		netcore.EtherTypeARP)
}

// buildPacket allocates and fills one ARP packet, reserving the
// data-link's header room. A nil targetHW is written as zeroes, the
// still-unknown address a request asks about.
func (a *Layer) buildPacket(op uint16, senderHW, senderProto, targetHW, targetProto *netcore.Address, sizeInfo netcore.PacketSizeInformation) *packet.Buffer {
	pkt := packet.New(packetSize, sizeInfo.HeaderSize, sizeInfo.FooterSize)
	p := pkt.Payload()

	binary.BigEndian.PutUint16(p[0:2], hardwareTypeEthernet)
	binary.BigEndian.PutUint16(p[2:4], uint16(netcore.EtherTypeIP4))
	p[4] = hardwareAddrLen
	p[5] = protocolAddrLen
	binary.BigEndian.PutUint16(p[6:8], op)

	copy(p[offSenderHW:offSenderHW+hardwareAddrLen], senderHW.Bytes())
	copy(p[offSenderProto:offSenderProto+protocolAddrLen], senderProto.Bytes())
	if targetHW != nil {
		copy(p[offTargetHW:offTargetHW+hardwareAddrLen], targetHW.Bytes())
	}
	copy(p[offTargetProto:offTargetProto+protocolAddrLen], targetProto.Bytes())

	return pkt
}

// ProcessReceivedData handles one inbound ARP packet. Malformed or
// foreign packets are dropped without a word; a shared medium is full
// of traffic that is not for us.
func (a *Layer) ProcessReceivedData(rx *netcore.ReceiveContext) {
	p := rx.Packet.Payload()
	if len(p) < headerSize {
		a.drop(rx)
		return
	}

	hardwareType := binary.BigEndian.Uint16(p[0:2])
	protocolType := binary.BigEndian.Uint16(p[2:4])
	hwLen := int(p[4])
	protoLen := int(p[5])
	op := binary.BigEndian.Uint16(p[6:8])

	if hardwareType != hardwareTypeEthernet || uint32(protocolType) != netcore.EtherTypeIP4 {
		a.drop(rx)
		return
	}
	if hwLen != hardwareAddrLen || protoLen != protocolAddrLen {
		a.drop(rx)
		return
	}
	if len(p) < headerSize+2*(hwLen+protoLen) {
		a.drop(rx)
		return
	}

	senderHW := netcore.NewAddress(netcore.DomainEthernet, p[offSenderHW:offSenderHW+hwLen], 0)
	senderProto := netcore.NewAddress(netcore.DomainIP4, p[offSenderProto:offSenderProto+protoLen], 0)
	targetProto := netcore.NewAddress(netcore.DomainIP4, p[offTargetProto:offTargetProto+protoLen], 0)

	switch op {
	case opRequest:
		// Only answer for addresses this link owns. When the target is
		// not ours the packet is dropped whole; the sender is not
		// learned either.
		if !rx.Link.OwnsAddress(&targetProto) {
			a.drop(rx)
			return
		}

		// A request doubles as an announcement of the sender's own
		// binding; record it before answering.
		rx.Link.Translations().Add(senderProto, senderHW)
		a.metricRequestsAnswered.Inc(1)

		if err := a.SendReply(rx.Link, targetProto, senderHW, senderProto); err != nil {
			a.l.WithError(err).WithField("link", rx.Link.Name).Debug("ARP reply send failed")
		}

	case opReply:
		rx.Link.Translations().Add(senderProto, senderHW)
		a.metricRepliesLearned.Inc(1)

	default:
		a.drop(rx)
	}
}

func (a *Layer) drop(rx *netcore.ReceiveContext) {
	a.metricDropped.Inc(1)
}
