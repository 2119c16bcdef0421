package netcore

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/canopyos/corenet/packet"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// testProtocol is a minimal protocol layer that records calls.
type testProtocol struct {
	socketType     SocketType
	parentProtocol uint32

	created   int
	destroyed int
	closed    int
	bound     int
	listened  int

	createErr error
	bindErr   error

	// optionOverrides lets a test claim a basic option instead of
	// falling through to the default handling.
	optionOverrides map[int]any
}

func (p *testProtocol) Type() SocketType             { return p.socketType }
func (p *testProtocol) ParentProtocolNumber() uint32 { return p.parentProtocol }

func (p *testProtocol) CreateSocket(network SocketNetworkLayer, protocolNumber uint32) (*Socket, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created++
	return &Socket{}, nil
}

func (p *testProtocol) DestroySocket(s *Socket) { p.destroyed++ }

func (p *testProtocol) BindToAddress(s *Socket, link *Link, addr Address) error {
	if p.bindErr != nil {
		return p.bindErr
	}
	p.bound++
	s.BindingType = BindingLocal
	s.LocalAddress = addr
	return nil
}

func (p *testProtocol) Listen(s *Socket) error {
	p.listened++
	return nil
}

func (p *testProtocol) Accept(s *Socket) (*Socket, Address, error) {
	return nil, Address{}, ErrNotSupported
}

func (p *testProtocol) Connect(s *Socket, addr Address) error { return nil }

func (p *testProtocol) Close(s *Socket) error {
	p.closed++
	return nil
}

func (p *testProtocol) Shutdown(s *Socket, shutdownType ShutdownType) error { return nil }

func (p *testProtocol) Send(s *Socket, destination *Address, packets []*packet.Buffer) (int, error) {
	return 0, nil
}

func (p *testProtocol) Receive(s *Socket) (*packet.Buffer, Address, error) {
	return nil, Address{}, ErrNotSupported
}

func (p *testProtocol) ProcessReceivedData(rx *ReceiveContext) {}

func (p *testProtocol) ProcessReceivedSocketData(s *Socket, rx *ReceiveContext) error { return nil }

func (p *testProtocol) GetSetInformation(s *Socket, infoType InformationType, option int, value any, set bool) (any, error) {
	if infoType == InfoBasic {
		if v, ok := p.optionOverrides[option]; ok {
			return v, nil
		}
		return nil, ErrNotHandled
	}
	return nil, ErrNotSupported
}

func (p *testProtocol) UserControl(s *Socket, code int, data []byte) error { return nil }

// testNetwork is a socket-capable network layer.
type testNetwork struct {
	domain         Domain
	parentProtocol uint32

	received []*ReceiveContext
}

func (n *testNetwork) Domain() Domain                { return n.domain }
func (n *testNetwork) ParentProtocolNumber() uint32  { return n.parentProtocol }
func (n *testNetwork) InitializeLink(ln *Link) error { return nil }
func (n *testNetwork) DestroyLink(ln *Link)          {}

func (n *testNetwork) ProcessReceivedData(rx *ReceiveContext) {
	n.received = append(n.received, rx)
}

func (n *testNetwork) AddressToString(addr *Address) string {
	return fmt.Sprintf("%s:%d", addr.Domain, addr.Port)
}

func (n *testNetwork) InitializeSocket(s *Socket, protocolNumber uint32) error { return nil }
func (n *testNetwork) BindToAddress(s *Socket, link *Link, addr Address) error { return nil }
func (n *testNetwork) Listen(s *Socket) error                                  { return nil }
func (n *testNetwork) Connect(s *Socket, addr Address) error                   { return nil }
func (n *testNetwork) Disconnect(s *Socket) error                              { return nil }
func (n *testNetwork) Close(s *Socket) error                                   { return nil }

func (n *testNetwork) Send(s *Socket, destination *Address, packets []*packet.Buffer) error {
	return nil
}

func (n *testNetwork) GetSetInformation(s *Socket, infoType InformationType, option int, value any, set bool) (any, error) {
	return nil, ErrNotSupported
}

// bareNetwork implements only NetworkLayer, not the socket surface.
type bareNetwork struct {
	domain Domain
}

func (n *bareNetwork) Domain() Domain                          { return n.domain }
func (n *bareNetwork) ParentProtocolNumber() uint32            { return InvalidProtocolNumber }
func (n *bareNetwork) InitializeLink(ln *Link) error           { return nil }
func (n *bareNetwork) DestroyLink(ln *Link)                    {}
func (n *bareNetwork) ProcessReceivedData(rx *ReceiveContext) {}
func (n *bareNetwork) AddressToString(addr *Address) string   { return addr.Domain.String() }

// testDataLink records frames it is asked to send and packets it
// receives.
type testDataLink struct {
	domain Domain

	sent     int
	received int
}

func (d *testDataLink) Domain() Domain                { return d.domain }
func (d *testDataLink) InitializeLink(ln *Link) error { return nil }
func (d *testDataLink) DestroyLink(ln *Link)          {}

func (d *testDataLink) Send(ln *Link, packets []*packet.Buffer, source, destination *Address, protocolNumber uint32) error {
	d.sent += len(packets)
	return nil
}

func (d *testDataLink) ProcessReceivedPacket(ln *Link, pkt *packet.Buffer) {
	d.received++
}

func (d *testDataLink) BroadcastAddress() Address {
	return NewAddress(DomainEthernet, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, 0)
}

func (d *testDataLink) AddressToString(addr *Address) string { return "test-link-addr" }

func (d *testDataLink) PacketSizeInformation() PacketSizeInformation {
	return PacketSizeInformation{HeaderSize: 14, MaxPacketSize: 1514}
}

// testDevice is a Device that counts raw transmits.
type testDevice struct {
	sent [][]*packet.Buffer
}

func (d *testDevice) SendRaw(packets []*packet.Buffer) error {
	d.sent = append(d.sent, packets)
	return nil
}
