package netcore

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/canopyos/corenet/packet"
)

// MaxIncomingConnections caps the listen backlog.
const MaxIncomingConnections = 512

// Socket flag bits, manipulated atomically.
const (
	FlagReuseAnyAddress uint32 = 1 << iota
	FlagReuseTimeWait
	FlagReuseExactAddress
	FlagBroadcastEnabled
)

// Socket is the common state shared by every protocol's socket. The
// protocol layer allocates it (possibly embedded in a larger structure)
// and the core stamps the common fields after creation.
type Socket struct {
	Protocol *ProtocolEntry
	Network  *NetworkEntry
	Link     *Link

	Type           SocketType
	ProtocolNumber uint32
	BindingType    BindingType
	LocalAddress   Address
	RemoteAddress  Address

	MaxIncomingConnections int

	PacketSizeInformation        PacketSizeInformation
	UnboundPacketSizeInformation PacketSizeInformation

	flags   atomic.Uint32
	lastErr atomic.Pointer[error]
}

// Flags returns the current flag bits.
func (s *Socket) Flags() uint32 {
	return s.flags.Load()
}

// SetFlags sets the given flag bits.
func (s *Socket) SetFlags(flags uint32) {
	for {
		old := s.flags.Load()
		if s.flags.CompareAndSwap(old, old|flags) {
			return
		}
	}
}

// ClearFlags clears the given flag bits.
func (s *Socket) ClearFlags(flags uint32) {
	for {
		old := s.flags.Load()
		if s.flags.CompareAndSwap(old, old&^flags) {
			return
		}
	}
}

// SetLastError records an asynchronous error for later retrieval through
// the error-status socket option.
func (s *Socket) SetLastError(err error) {
	s.lastErr.Store(&err)
}

// GetAndClearLastError returns and clears the stored error.
func (s *Socket) GetAndClearLastError() error {
	p := s.lastErr.Swap(nil)
	if p == nil {
		return nil
	}
	return *p
}

// CreateSocket resolves the protocol and network layer pair for the
// given triple and delegates socket construction to the protocol. A zero
// protocol number selects the first protocol of the right type; raw
// sockets ignore the number for matching entirely.
func (r *Registry) CreateSocket(domain Domain, socketType SocketType, protocolNumber uint32) (*Socket, error) {
	if !domain.IsSocketNetwork() {
		return nil, ErrDomainNotSupported
	}

	var protocolEntry *ProtocolEntry
	var networkEntry *NetworkEntry

	r.mu.RLock()
	for _, p := range r.protocols {
		if p.Type != socketType {
			continue
		}
		if socketType != SocketRaw && protocolNumber != 0 &&
			p.ParentProtocolNumber != protocolNumber {
			continue
		}
		protocolEntry = p
		break
	}
	for _, n := range r.networks {
		if n.Domain == domain {
			networkEntry = n
			break
		}
	}
	r.mu.RUnlock()

	if networkEntry == nil {
		return nil, ErrDomainNotSupported
	}
	if protocolEntry == nil {
		return nil, ErrProtocolNotSupported
	}

	if protocolNumber == 0 {
		protocolNumber = protocolEntry.ParentProtocolNumber
	}

	sock, err := protocolEntry.Layer.CreateSocket(networkEntry.SocketLayer(), protocolNumber)
	if err != nil {
		r.l.WithError(err).WithFields(logrus.Fields{
			"domain":   domain,
			"type":     socketType,
			"protocol": protocolNumber,
		}).Debug("Create socket failed")
		return nil, err
	}

	sock.Protocol = protocolEntry
	sock.Network = networkEntry
	sock.Type = socketType
	sock.ProtocolNumber = protocolNumber
	sock.BindingType = BindingInvalid
	sock.UnboundPacketSizeInformation = sock.PacketSizeInformation

	r.l.WithFields(logrus.Fields{
		"domain":   domain,
		"type":     socketType,
		"protocol": protocolNumber,
	}).Debug("Created socket")

	return sock, nil
}

// DestroySocket releases the socket's link reference and hands the
// structure back to the protocol that allocated it.
func (r *Registry) DestroySocket(s *Socket) {
	s.Link = nil
	s.Protocol.Layer.DestroySocket(s)
}

// BindToAddress binds the socket, optionally to a specific link.
func (r *Registry) BindToAddress(s *Socket, link *Link, addr Address) error {
	err := s.Protocol.Layer.BindToAddress(s, link, addr)
	r.l.WithError(err).WithFields(logrus.Fields{
		"addr": r.AddressToString(&addr),
		"link": link,
	}).Debug("Bind socket")
	return err
}

// Listen marks a bound socket as accepting connections. The backlog is
// clamped to [1, MaxIncomingConnections], defaulting to the maximum when
// zero or out of range. An unbound socket is implicitly bound to the
// wildcard address on its network's domain first.
func (r *Registry) Listen(s *Socket, backlog int) error {
	if backlog <= 0 || backlog > MaxIncomingConnections {
		backlog = MaxIncomingConnections
	}
	s.MaxIncomingConnections = backlog

	if s.BindingType == BindingInvalid {
		wildcard := Address{Domain: s.Network.Domain}
		if err := r.BindToAddress(s, nil, wildcard); err != nil {
			r.l.WithError(err).Debug("Implicit bind in listen failed")
			return err
		}
	}

	return s.Protocol.Layer.Listen(s)
}

// Accept forwards to the protocol layer.
func (r *Registry) Accept(s *Socket) (*Socket, Address, error) {
	return s.Protocol.Layer.Accept(s)
}

// Connect forwards to the protocol layer.
func (r *Registry) Connect(s *Socket, addr Address) error {
	err := s.Protocol.Layer.Connect(s, addr)
	r.l.WithError(err).WithField("addr", r.AddressToString(&addr)).Debug("Connect socket")
	return err
}

// CloseSocket forwards to the protocol layer.
func (r *Registry) CloseSocket(s *Socket) error {
	return s.Protocol.Layer.Close(s)
}

// Send forwards an outbound batch to the protocol layer and returns the
// number of bytes accepted.
func (r *Registry) Send(s *Socket, destination *Address, packets []*packet.Buffer) (int, error) {
	return s.Protocol.Layer.Send(s, destination, packets)
}

// Receive forwards to the protocol layer.
func (r *Registry) Receive(s *Socket) (*packet.Buffer, Address, error) {
	return s.Protocol.Layer.Receive(s)
}

// Shutdown forwards to the protocol layer.
func (r *Registry) Shutdown(s *Socket, shutdownType ShutdownType) error {
	return s.Protocol.Layer.Shutdown(s, shutdownType)
}

// UserControl forwards a control request to the protocol layer.
func (r *Registry) UserControl(s *Socket, code int, data []byte) error {
	return s.Protocol.Layer.UserControl(s, code, data)
}
