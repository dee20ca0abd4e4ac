package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
)

// Attachment modes, matching vmm.NetworkMode values.
const (
	ModeNetwork = "network"
	ModeBridge  = "bridge"
	ModeUser    = "user"

	// DefaultNetwork is the libvirt network used when none is named.
	DefaultNetwork = "default"
)

var ErrUnknownMode = errors.New("unknown network attachment mode")

// NetworkActivator makes sure a libvirt network is up.
// LibvirtNetworkManager satisfies it.
type NetworkActivator interface {
	EnsureActive(ctx context.Context, name string) error
}

// Ensurer checks the host side of a guest NIC attachment.
type Ensurer struct {
	networks   NetworkActivator
	linkByName LinkByName
}

// EnsurerOption configures an Ensurer.
type EnsurerOption func(*Ensurer)

// WithLinkByName replaces the netlink lookup used for bridges.
func WithLinkByName(fn LinkByName) EnsurerOption {
	return func(e *Ensurer) { e.linkByName = fn }
}

// NewEnsurer returns an Ensurer. networks may be nil when only bridge and user
// attachments are used.
func NewEnsurer(networks NetworkActivator, opts ...EnsurerOption) *Ensurer {
	e := &Ensurer{
		networks:   networks,
		linkByName: netlink.LinkByName,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ensure verifies that the attachment described by mode and source exists.
// An inactive libvirt network is started; a missing one is an error.
func (e *Ensurer) Ensure(ctx context.Context, mode, source string) error {
	switch mode {
	case ModeNetwork, "":
		if source == "" {
			source = DefaultNetwork
		}
		if e.networks == nil {
			return ErrConnNil
		}
		return e.networks.EnsureActive(ctx, source)

	case ModeBridge:
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := bridgeExists(e.linkByName, source)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Join(fmt.Errorf("bridge=%s", source), ErrBridgeNotFound)
		}
		return nil

	case ModeUser:
		return nil

	default:
		return errors.Join(fmt.Errorf("mode=%q", mode), ErrUnknownMode)
	}
}
