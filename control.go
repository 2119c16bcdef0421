package corenet

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/canopyos/corenet/config"
	"github.com/canopyos/corenet/ethernet"
	"github.com/canopyos/corenet/netcore"
	"github.com/canopyos/corenet/netlink"
)

// Control holds the running stack and the handles needed to drive it.
// Everything is wired by Main; Control only starts, exposes, and stops.
type Control struct {
	l         *logrus.Logger
	c         *config.C
	ctx       context.Context
	cancel    context.CancelFunc
	eg        *errgroup.Group
	registry  *netcore.Registry
	ethEntry  *netcore.DataLinkEntry
	eth       *ethernet.Layer
	loop      *netcore.Link
	families  *netlink.FamilyRegistry
	nlControl *netlink.ControlFamily
}

// Start runs the background services, this is a nonblocking call. To block
// use Control.ShutdownBlock()
func (ct *Control) Start() {
	ct.eg, ct.ctx = errgroup.WithContext(ct.ctx)

	// Pick up config reloads for the life of the process.
	ct.eg.Go(func() error {
		ct.c.CatchHUP(ct.ctx)
		return nil
	})

	ct.l.WithField("links", ct.linkNames()).Info("Network stack started")
}

// Stop signals the stack to shut down, returns after the shutdown is
// complete
func (ct *Control) Stop() {
	ct.cancel()
	if ct.eg != nil {
		if err := ct.eg.Wait(); err != nil {
			ct.l.WithError(err).Error("Background service failed during shutdown")
		}
	}

	if ct.loop != nil {
		ct.eth.DestroyLink(ct.loop)
	}
	ct.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals,
// calling Control.Stop() once signalled
func (ct *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	ct.l.WithField("signal", sig).Info("Caught signal, shutting down")
	ct.Stop()
}

// Registry returns the layer registry, for callers embedding the stack
// that want to register additional layers or inject packets.
func (ct *Control) Registry() *netcore.Registry {
	return ct.registry
}

// Loopback returns the loopback link, or nil when it was disabled in
// the config.
func (ct *Control) Loopback() *netcore.Link {
	return ct.loop
}

// NetlinkFamilies returns the generic netlink family registry.
func (ct *Control) NetlinkFamilies() *netlink.FamilyRegistry {
	return ct.families
}

// NetlinkControl returns the nlctrl family used to resolve family names
// to runtime ids.
func (ct *Control) NetlinkControl() *netlink.ControlFamily {
	return ct.nlControl
}

func (ct *Control) linkNames() []string {
	var names []string
	if ct.loop != nil {
		names = append(names, ct.loop.Name)
	}
	return names
}
