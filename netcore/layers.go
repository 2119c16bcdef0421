package netcore

import "github.com/canopyos/corenet/packet"

// ReceiveContext travels with a packet as it moves up the stack. The
// packet is owned by whichever layer is currently processing it.
type ReceiveContext struct {
	Link   *Link
	Packet *packet.Buffer
	// Source and Destination are filled in by the network layer for
	// delivery to sockets.
	Source      Address
	Destination Address
	// ParentProtocolNumber is the demux key for the next layer up.
	ParentProtocolNumber uint32
}

// DataLink is the interface a data-link layer registers with the core.
// Implementations frame outbound packets and demultiplex inbound frames
// to the network layer registered for the frame's protocol number.
type DataLink interface {
	Domain() Domain
	InitializeLink(link *Link) error
	DestroyLink(link *Link)

	// Send frames each packet and hands the batch to the link's device.
	// A nil destination means broadcast.
	Send(link *Link, packets []*packet.Buffer, source, destination *Address, protocolNumber uint32) error

	// ProcessReceivedPacket consumes an inbound frame, taking ownership
	// of the packet buffer.
	ProcessReceivedPacket(link *Link, pkt *packet.Buffer)

	BroadcastAddress() Address
	AddressToString(addr *Address) string
	PacketSizeInformation() PacketSizeInformation
}

// NetworkLayer is the interface every network layer registers. Layers on
// which sockets are created must also implement SocketNetworkLayer;
// registration enforces this for socket-capable domains.
type NetworkLayer interface {
	Domain() Domain

	// ParentProtocolNumber returns the data-link protocol number
	// (EtherType) that selects this layer on receive, or
	// InvalidProtocolNumber if the layer is not reachable that way.
	ParentProtocolNumber() uint32

	InitializeLink(link *Link) error
	DestroyLink(link *Link)

	// ProcessReceivedData consumes a packet whose data-link header has
	// already been stripped.
	ProcessReceivedData(rx *ReceiveContext)

	AddressToString(addr *Address) string
}

// SocketNetworkLayer extends NetworkLayer with the socket surface needed
// on domains where sockets can be created.
type SocketNetworkLayer interface {
	NetworkLayer

	InitializeSocket(s *Socket, protocolNumber uint32) error
	BindToAddress(s *Socket, link *Link, addr Address) error
	Listen(s *Socket) error
	Connect(s *Socket, addr Address) error
	Disconnect(s *Socket) error
	Close(s *Socket) error
	Send(s *Socket, destination *Address, packets []*packet.Buffer) error
	GetSetInformation(s *Socket, infoType InformationType, option int, value any, set bool) (any, error)
}

// ProtocolLayer is the interface a transport protocol registers. The
// registry routes every socket operation through it.
type ProtocolLayer interface {
	Type() SocketType
	ParentProtocolNumber() uint32

	// CreateSocket allocates the protocol's socket structure. The core
	// stamps the common fields after this returns.
	CreateSocket(network SocketNetworkLayer, protocolNumber uint32) (*Socket, error)
	DestroySocket(s *Socket)

	BindToAddress(s *Socket, link *Link, addr Address) error
	Listen(s *Socket) error
	Accept(s *Socket) (*Socket, Address, error)
	Connect(s *Socket, addr Address) error
	Close(s *Socket) error
	Shutdown(s *Socket, shutdownType ShutdownType) error

	Send(s *Socket, destination *Address, packets []*packet.Buffer) (int, error)
	Receive(s *Socket) (*packet.Buffer, Address, error)

	// ProcessReceivedData takes ownership of an inbound packet that the
	// network layer has matched to this protocol.
	ProcessReceivedData(rx *ReceiveContext)

	// ProcessReceivedSocketData delivers a packet to a specific socket,
	// used when the network layer has already done the socket lookup.
	ProcessReceivedSocketData(s *Socket, rx *ReceiveContext) error

	GetSetInformation(s *Socket, infoType InformationType, option int, value any, set bool) (any, error)
	UserControl(s *Socket, code int, data []byte) error
}

// ShutdownType selects which directions of a socket to shut down.
type ShutdownType uint8

const (
	ShutdownRead ShutdownType = 1 << iota
	ShutdownWrite
)

// ProtocolRegistration is the record handed to RegisterProtocol. The
// registry keeps its own copy; the caller's record is not retained.
type ProtocolRegistration struct {
	Type                 SocketType
	ParentProtocolNumber uint32
	Layer                ProtocolLayer
}

// NetworkRegistration is the record handed to RegisterNetwork.
type NetworkRegistration struct {
	Domain Domain
	Layer  NetworkLayer
}

// DataLinkRegistration is the record handed to RegisterDataLink.
type DataLinkRegistration struct {
	Domain Domain
	Layer  DataLink
}

// ProtocolEntry is the registry's persistent copy of a protocol
// registration, together with the protocol's socket index.
type ProtocolEntry struct {
	Type                 SocketType
	ParentProtocolNumber uint32
	Layer                ProtocolLayer

	sockets *SocketIndex
}

// Sockets returns the protocol's socket index.
func (e *ProtocolEntry) Sockets() *SocketIndex {
	return e.sockets
}

// NetworkEntry is the registry's persistent copy of a network layer
// registration.
type NetworkEntry struct {
	Domain               Domain
	ParentProtocolNumber uint32
	Layer                NetworkLayer
}

// SocketLayer returns the layer's socket surface. It is only valid on
// socket-capable domains; registration guarantees the assertion holds.
func (e *NetworkEntry) SocketLayer() SocketNetworkLayer {
	return e.Layer.(SocketNetworkLayer)
}

// DataLinkEntry is the registry's persistent copy of a data-link layer
// registration.
type DataLinkEntry struct {
	Domain Domain
	Layer  DataLink
}
