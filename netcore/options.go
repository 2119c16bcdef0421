package netcore

import "time"

// InformationType selects the option namespace for get/set socket
// information requests and decides which layer answers them.
type InformationType uint8

const (
	InfoBasic InformationType = iota
	InfoIP4
	InfoIP6
	InfoNetlink
	InfoTCP
	InfoUDP
	InfoNetlinkGeneric
)

// Basic socket options handled by the core.
const (
	BasicOptionType = iota
	BasicOptionDomain
	BasicOptionLocalAddress
	BasicOptionRemoteAddress
	BasicOptionReuseAnyAddress
	BasicOptionReuseTimeWait
	BasicOptionReuseExactAddress
	BasicOptionBroadcastEnabled
	BasicOptionErrorStatus
	BasicOptionAcceptConnections
	BasicOptionSendTimeout
	BasicOptionDebug
	BasicOptionInlineOutOfBand
	BasicOptionRoutingDisabled
)

// basicOption describes the default handling of one basic option.
type basicOption struct {
	option     int
	setAllowed bool
}

var basicOptions = []basicOption{
	{BasicOptionType, false},
	{BasicOptionDomain, false},
	{BasicOptionLocalAddress, false},
	{BasicOptionRemoteAddress, false},
	{BasicOptionReuseAnyAddress, true},
	{BasicOptionReuseTimeWait, true},
	{BasicOptionReuseExactAddress, true},
	{BasicOptionBroadcastEnabled, true},
	{BasicOptionErrorStatus, false},
	{BasicOptionAcceptConnections, false},
	{BasicOptionSendTimeout, false},
}

// GetSetSocketInformation is the two-tier option dispatch. Basic options
// are answered here unless the protocol overrides them; every other
// information type is forwarded to the layer that owns it.
func (r *Registry) GetSetSocketInformation(s *Socket, infoType InformationType, option int, value any, set bool) (any, error) {
	switch infoType {
	case InfoBasic:
		// The protocol layer gets first crack, so it can override a
		// basic option's default behavior.
		result, err := s.Protocol.Layer.GetSetInformation(s, infoType, option, value, set)
		if err != ErrNotHandled {
			return result, err
		}

		return r.basicSocketInformation(s, option, value, set)

	// IPv4, IPv6 and netlink options belong to the network layer.
	case InfoIP4, InfoIP6, InfoNetlink:
		return s.Network.SocketLayer().GetSetInformation(s, infoType, option, value, set)

	// TCP, UDP and generic netlink options belong to the protocol layer.
	case InfoTCP, InfoUDP, InfoNetlinkGeneric:
		return s.Protocol.Layer.GetSetInformation(s, infoType, option, value, set)
	}

	return nil, ErrInvalidParameter
}

func (r *Registry) basicSocketInformation(s *Socket, option int, value any, set bool) (any, error) {
	var found *basicOption
	for i := range basicOptions {
		if basicOptions[i].option == option {
			found = &basicOptions[i]
			break
		}
	}
	if found == nil {
		return nil, ErrNotSupported
	}

	if set && !found.setAllowed {
		return nil, ErrNotSupported
	}

	switch option {
	case BasicOptionType:
		return s.Type, nil

	case BasicOptionDomain:
		return s.Network.Domain, nil

	case BasicOptionLocalAddress, BasicOptionRemoteAddress:
		// Addresses are synchronized on the protocol's socket index.
		// Take the read lock so a concurrent rebind cannot expose a
		// torn address.
		idx := s.Protocol.Sockets()
		idx.RLock()
		defer idx.RUnlock()

		if option == BasicOptionLocalAddress {
			addr := s.LocalAddress
			// An uninitialized local address still reports the correct
			// domain, as the any-address.
			if addr.Domain == DomainInvalid {
				addr.Domain = s.Network.Domain
			}
			// Raw sockets have no ports; the protocol number is
			// reported in the port slot.
			if s.Type == SocketRaw {
				addr.Port = uint16(s.ProtocolNumber)
			}
			return addr, nil
		}
		return s.RemoteAddress, nil

	case BasicOptionReuseAnyAddress, BasicOptionReuseTimeWait,
		BasicOptionReuseExactAddress, BasicOptionBroadcastEnabled:

		var flags uint32
		switch option {
		case BasicOptionReuseAnyAddress:
			flags = FlagReuseAnyAddress | FlagReuseTimeWait
		case BasicOptionReuseTimeWait:
			flags = FlagReuseTimeWait
		case BasicOptionReuseExactAddress:
			flags = FlagReuseExactAddress
		case BasicOptionBroadcastEnabled:
			flags = FlagBroadcastEnabled
		}

		if set {
			enable, ok := value.(bool)
			if !ok {
				return nil, ErrInvalidParameter
			}
			if enable {
				s.SetFlags(flags)
			} else {
				s.ClearFlags(flags)
			}
			return nil, nil
		}
		return s.Flags()&flags == flags, nil

	case BasicOptionErrorStatus:
		return s.GetAndClearLastError(), nil

	case BasicOptionAcceptConnections:
		return false, nil

	case BasicOptionSendTimeout:
		// Zero represents the indefinite wait.
		return time.Duration(0), nil
	}

	return nil, ErrNotSupported
}
