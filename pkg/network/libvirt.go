package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

// Error variables for libvirt network operations
var (
	ErrNetworkNameRequired = errors.New("network name is required")
	ErrConnNil             = errors.New("libvirt connection is nil")
	ErrStartNetwork        = errors.New("failed to start libvirt network")
	ErrCheckNetwork        = errors.New("failed to check libvirt network")
	ErrNetworkNotFound     = errors.New("libvirt network not found")
)

// LibvirtNetworkManager inspects libvirt virtual networks
type LibvirtNetworkManager struct {
	conn *libvirt.Connect
}

// NewLibvirtNetworkManager creates a new LibvirtNetworkManager
func NewLibvirtNetworkManager(conn *libvirt.Connect) *LibvirtNetworkManager {
	return &LibvirtNetworkManager{
		conn: conn,
	}
}

// LibvirtNetworkInfo contains information about a libvirt network
type LibvirtNetworkInfo struct {
	Name       string
	BridgeName string
	Mode       string
	IsActive   bool
	Autostart  bool
}

// EnsureActive starts the named network when it is defined but inactive.
// Returns ErrNetworkNotFound if the network doesn't exist
func (m *LibvirtNetworkManager) EnsureActive(ctx context.Context, name string) error {
	if m.conn == nil {
		return ErrConnNil
	}
	if name == "" {
		return ErrNetworkNameRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	network, err := m.lookup(name)
	if err != nil {
		return err
	}
	defer freeNetwork(network)

	active, err := network.IsActive()
	if err != nil {
		return errors.Join(err, fmt.Errorf("network=%s", name), ErrCheckNetwork)
	}
	if active {
		return nil
	}

	slog.Info("starting inactive libvirt network", "network", name)
	if err := network.Create(); err != nil {
		return errors.Join(err, fmt.Errorf("network=%s", name), ErrStartNetwork)
	}
	return nil
}

// Get retrieves information about a libvirt network
// Returns ErrNetworkNotFound if the network doesn't exist
func (m *LibvirtNetworkManager) Get(ctx context.Context, name string) (*LibvirtNetworkInfo, error) {
	if name == "" {
		return nil, ErrNetworkNameRequired
	}
	if m.conn == nil {
		return nil, ErrConnNil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	network, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	defer freeNetwork(network)

	isActive, err := network.IsActive()
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("network=%s", name), ErrCheckNetwork)
	}

	autostart, err := network.GetAutostart()
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("network=%s", name), ErrCheckNetwork)
	}

	xmlDesc, err := network.GetXMLDesc(0)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("network=%s", name), ErrCheckNetwork)
	}

	info, err := parseNetworkXML(xmlDesc)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("network=%s", name), ErrCheckNetwork)
	}
	info.Name = name
	info.IsActive = isActive
	info.Autostart = autostart
	return info, nil
}

// parseNetworkXML extracts the bridge name and forward mode of a network
// definition. A network without a forward element is isolated.
func parseNetworkXML(xmlDesc string) (*LibvirtNetworkInfo, error) {
	var networkXML libvirtxml.Network
	if err := networkXML.Unmarshal(xmlDesc); err != nil {
		return nil, err
	}

	info := &LibvirtNetworkInfo{Name: networkXML.Name, Mode: "isolated"}
	if networkXML.Bridge != nil {
		info.BridgeName = networkXML.Bridge.Name
	}
	if networkXML.Forward != nil && networkXML.Forward.Mode != "" {
		info.Mode = networkXML.Forward.Mode
	}
	return info, nil
}

func (m *LibvirtNetworkManager) lookup(name string) (*libvirt.Network, error) {
	network, err := m.conn.LookupNetworkByName(name)
	if err != nil {
		var virErr libvirt.Error
		if errors.As(err, &virErr) && virErr.Code == libvirt.ERR_NO_NETWORK {
			return nil, errors.Join(fmt.Errorf("network=%s", name), ErrNetworkNotFound)
		}
		return nil, errors.Join(err, fmt.Errorf("network=%s", name), ErrCheckNetwork)
	}
	return network, nil
}

func freeNetwork(network *libvirt.Network) {
	if err := network.Free(); err != nil {
		slog.Debug("failed to free network handle", "error", err.Error())
	}
}
