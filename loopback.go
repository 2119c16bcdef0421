package corenet

import (
	"github.com/sirupsen/logrus"

	"github.com/canopyos/corenet/ethernet"
	"github.com/canopyos/corenet/netcore"
	"github.com/canopyos/corenet/packet"
)

// loopbackDevice is a hairpin device: every transmitted frame is fed
// straight back into the data-link receive path on the same link. It
// exists so a host with no hardware can still exercise the full stack,
// and it is what the end to end tests run on.
type loopbackDevice struct {
	eth  *ethernet.Layer
	link *netcore.Link
}

func (d *loopbackDevice) SendRaw(packets []*packet.Buffer) error {
	for _, pkt := range packets {
		d.eth.ProcessReceivedPacket(d.link, pkt)
	}
	return nil
}

// newLoopbackLink builds a loopback link and binds it to the ethernet
// layer. The device needs the link back-reference before any frame can
// be hairpinned, so the two are created together.
func newLoopbackLink(l *logrus.Logger, name string, eth *ethernet.Layer, entry *netcore.DataLinkEntry) *netcore.Link {
	device := &loopbackDevice{eth: eth}
	link := netcore.NewLink(l, name, entry, device, eth.CreateAddress(), netcore.NewMapTranslationCache())
	device.link = link
	return link
}
