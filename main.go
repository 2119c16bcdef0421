package corenet

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"

	"github.com/canopyos/corenet/arp"
	"github.com/canopyos/corenet/config"
	"github.com/canopyos/corenet/ethernet"
	"github.com/canopyos/corenet/netcore"
	"github.com/canopyos/corenet/netlink"
	"github.com/canopyos/corenet/util"
)

type m = map[string]any

func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (retcon *Control, reterr error) {
	ctx, cancel := context.WithCancel(context.Background())
	// Automatically cancel the context if Main returns an error, so any
	// goroutines spawned along the way shut down again.
	defer func() {
		if reterr != nil {
			cancel()
		}
	}()

	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the logger", nil, err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	registry := netcore.NewRegistry(l)

	eth := ethernet.NewLayer(l, registry)
	ethEntry, err := registry.RegisterDataLink(netcore.DataLinkRegistration{
		Domain: netcore.DomainEthernet,
		Layer:  eth,
	})
	if err != nil {
		return nil, util.NewContextualError("Failed to register the ethernet layer", nil, err)
	}

	_, err = registry.RegisterNetwork(netcore.NetworkRegistration{
		Domain: netcore.DomainARP,
		Layer:  arp.NewLayer(l),
	})
	if err != nil {
		return nil, util.NewContextualError("Failed to register the arp layer", nil, err)
	}

	families := netlink.NewFamilyRegistry(l)
	nlControl := netlink.NewControlFamily(families)
	err = registerNetlinkFamilies(c, families)
	if err != nil {
		return nil, err
	}

	var loop *netcore.Link
	if c.GetBool("link.loopback", true) {
		loop = newLoopbackLink(l, c.GetString("link.name", "loop0"), eth, ethEntry)
		if err := eth.InitializeLink(loop); err != nil {
			return nil, util.NewContextualError("Failed to initialize the loopback link", m{"link": loop.Name}, err)
		}

		if addr := c.GetString("link.address", ""); addr != "" {
			ip := net.ParseIP(addr).To4()
			if ip == nil {
				return nil, util.NewContextualError("link.address is not a valid IPv4 address", m{"address": addr}, nil)
			}
			loop.AddAddress(netcore.NewAddress(netcore.DomainIP4, ip, 0))
		}
	}

	err = startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.NewContextualError("Failed to start stats emission", nil, err)
	}

	return &Control{
		l:         l,
		c:         c,
		ctx:       ctx,
		cancel:    cancel,
		registry:  registry,
		ethEntry:  ethEntry,
		eth:       eth,
		loop:      loop,
		families:  families,
		nlControl: nlControl,
	}, nil
}

// registerNetlinkFamilies creates the generic netlink families named in
// the config. Each entry looks like:
//
//	netlink:
//	  families:
//	    - name: corenet_events
//	      groups: [notify, status]
func registerNetlinkFamilies(c *config.C, families *netlink.FamilyRegistry) error {
	raw := c.Get("netlink.families")
	if raw == nil {
		return nil
	}

	rawList, ok := raw.([]any)
	if !ok {
		return util.NewContextualError("netlink.families is not a list", nil, nil)
	}

	for i, rawEntry := range rawList {
		entry, ok := rawEntry.(map[string]any)
		if !ok {
			return util.NewContextualError("Netlink family entry is not a map", m{"entry": i}, nil)
		}

		name, ok := entry["name"].(string)
		if !ok || name == "" {
			return util.NewContextualError("Netlink family entry is missing a name", m{"entry": i}, nil)
		}

		var groups []string
		if rawGroups, ok := entry["groups"]; ok {
			groupList, ok := rawGroups.([]any)
			if !ok {
				return util.NewContextualError("Netlink family groups is not a list", m{"family": name}, nil)
			}
			for _, rawGroup := range groupList {
				groups = append(groups, fmt.Sprintf("%v", rawGroup))
			}
		}

		_, err := families.RegisterFamily(name, groups)
		if err != nil {
			return util.NewContextualError("Failed to register netlink family", m{"family": name}, err)
		}
	}

	return nil
}
