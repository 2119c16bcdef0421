package netcore

import "errors"

var (
	ErrInvalidParameter     = errors.New("invalid parameter")
	ErrDuplicateEntry       = errors.New("duplicate registry entry")
	ErrDomainNotSupported   = errors.New("domain not supported")
	ErrProtocolNotSupported = errors.New("protocol not supported")
	ErrNotSupported         = errors.New("option not supported by protocol")
	ErrNoNetworkConnection  = errors.New("no network connection")
	ErrNotBound             = errors.New("socket is not bound")

	// ErrNotHandled is returned by a layer's GetSetInformation when it
	// does not override the default handling of a basic option.
	ErrNotHandled = errors.New("option not handled")
)
