package network

import (
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
)

var (
	ErrBridgeNameRequired = errors.New("bridge name is required")
	ErrBridgeNotFound     = errors.New("bridge not found")
	ErrNotABridge         = errors.New("link exists but is not a bridge")
	ErrCheckBridgeExists  = errors.New("failed to check if bridge exists")
)

// LinkByName looks up a host link. netlink.LinkByName satisfies it.
type LinkByName func(name string) (netlink.Link, error)

// BridgeExists reports whether name is a Linux bridge on the host.
func BridgeExists(name string) (bool, error) {
	return bridgeExists(netlink.LinkByName, name)
}

func bridgeExists(linkByName LinkByName, name string) (bool, error) {
	if name == "" {
		return false, ErrBridgeNameRequired
	}

	link, err := linkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, errors.Join(err, fmt.Errorf("bridge=%s", name), ErrCheckBridgeExists)
	}

	if link.Type() != "bridge" {
		return false, errors.Join(fmt.Errorf("bridge=%s type=%s", name, link.Type()), ErrNotABridge)
	}
	return true, nil
}
