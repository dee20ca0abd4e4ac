package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"libvirt.org/go/libvirt"
)

// DefaultURI is the libvirt connection used when none is configured.
const DefaultURI = "qemu:///system"

var (
	errConnectLibvirt        = errors.New("failed to connect to libvirt")
	errLibvirtNotInitialized = errors.New("libvirt connection is not initialized")
	errLookupDomain          = errors.New("failed to look up domain")
	errDefineDomain          = errors.New("failed to define domain")
	errCreateDomain          = errors.New("failed to create domain")
	errShutdownDomain        = errors.New("failed to shut down domain")
	errDestroyDomain         = errors.New("failed to destroy domain")
	errUndefineDomain        = errors.New("failed to undefine domain")
	errGetDomainState        = errors.New("failed to get domain state")
	errGetDomainXML          = errors.New("failed to get domain XML")
)

// LibvirtHypervisor implements Hypervisor on top of a libvirt connection.
type LibvirtHypervisor struct {
	conn *libvirt.Connect
}

// NewLibvirtHypervisor connects to libvirt. An empty uri means DefaultURI.
func NewLibvirtHypervisor(uri string) (*LibvirtHypervisor, error) {
	if uri == "" {
		uri = DefaultURI
	}
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("uri=%s", uri), errConnectLibvirt)
	}
	return &LibvirtHypervisor{conn: conn}, nil
}

// Close closes the libvirt connection.
func (h *LibvirtHypervisor) Close() error {
	if h.conn == nil {
		return nil
	}
	_, err := h.conn.Close()
	return err
}

// GetConnection returns the libvirt connection. The network ensurer shares it
// to activate libvirt networks.
func (h *LibvirtHypervisor) GetConnection() *libvirt.Connect {
	return h.conn
}

func (h *LibvirtHypervisor) Define(ctx context.Context, domainXML string) error {
	if err := h.ready(ctx); err != nil {
		return err
	}
	dom, err := h.conn.DomainDefineXML(domainXML)
	if err != nil {
		return errors.Join(err, errDefineDomain)
	}
	freeDomain(dom)
	return nil
}

func (h *LibvirtHypervisor) Undefine(ctx context.Context, name string) error {
	dom, err := h.lookup(ctx, name)
	if err != nil {
		return err
	}
	defer freeDomain(dom)

	// The NVRAM vars file is a VM artifact and is removed by Delete.
	if err := dom.UndefineFlags(libvirt.DOMAIN_UNDEFINE_KEEP_NVRAM); err != nil {
		if isNoDomain(err) {
			return errors.Join(err, fmt.Errorf("vmName=%s", name), ErrDomainNotFound)
		}
		return errors.Join(err, fmt.Errorf("vmName=%s", name), errUndefineDomain)
	}
	return nil
}

func (h *LibvirtHypervisor) Start(ctx context.Context, name string) error {
	dom, err := h.lookup(ctx, name)
	if err != nil {
		return err
	}
	defer freeDomain(dom)

	if err := dom.Create(); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", name), errCreateDomain)
	}
	return nil
}

func (h *LibvirtHypervisor) Shutdown(ctx context.Context, name string) error {
	dom, err := h.lookup(ctx, name)
	if err != nil {
		return err
	}
	defer freeDomain(dom)

	if err := dom.Shutdown(); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", name), errShutdownDomain)
	}
	return nil
}

// Destroy is a no-op on a domain that is not running.
func (h *LibvirtHypervisor) Destroy(ctx context.Context, name string) error {
	dom, err := h.lookup(ctx, name)
	if err != nil {
		return err
	}
	defer freeDomain(dom)

	active, err := dom.IsActive()
	if err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", name), errGetDomainState)
	}
	if !active {
		return nil
	}

	if err := dom.Destroy(); err != nil {
		var virErr libvirt.Error
		if errors.As(err, &virErr) && virErr.Code == libvirt.ERR_OPERATION_INVALID {
			// lost a race against the guest powering off
			return nil
		}
		return errors.Join(err, fmt.Errorf("vmName=%s", name), errDestroyDomain)
	}
	return nil
}

func (h *LibvirtHypervisor) State(ctx context.Context, name string) (State, error) {
	dom, err := h.lookup(ctx, name)
	if errors.Is(err, ErrDomainNotFound) {
		return StateAbsent, nil
	}
	if err != nil {
		return "", err
	}
	defer freeDomain(dom)

	state, reason, err := dom.GetState()
	if err != nil {
		if isNoDomain(err) {
			return StateAbsent, nil
		}
		return "", errors.Join(err, fmt.Errorf("vmName=%s", name), errGetDomainState)
	}

	return mapDomainState(state, reason), nil
}

// mapDomainState folds libvirt's states onto the lifecycle states. A shutoff
// domain that was never started has reason SHUTOFF_UNKNOWN and counts as
// merely defined.
func mapDomainState(state libvirt.DomainState, reason int) State {
	switch state {
	case libvirt.DOMAIN_SHUTOFF:
		if libvirt.DomainShutoffReason(reason) == libvirt.DOMAIN_SHUTOFF_UNKNOWN {
			return StateDefined
		}
		return StateStopped
	case libvirt.DOMAIN_CRASHED:
		return StateStopped
	case libvirt.DOMAIN_NOSTATE:
		return StateDefined
	default:
		// running, blocked, paused, pmsuspended and shutting down all still
		// hold the guest's resources.
		return StateRunning
	}
}

func (h *LibvirtHypervisor) DomainXML(ctx context.Context, name string) (string, error) {
	dom, err := h.lookup(ctx, name)
	if err != nil {
		return "", err
	}
	defer freeDomain(dom)

	xml, err := dom.GetXMLDesc(0)
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("vmName=%s", name), errGetDomainXML)
	}
	return xml, nil
}

// GuestAddress asks the DHCP lease table first and the guest agent second.
// An unknown address is not an error.
func (h *LibvirtHypervisor) GuestAddress(ctx context.Context, name string) (string, error) {
	dom, err := h.lookup(ctx, name)
	if err != nil {
		return "", err
	}
	defer freeDomain(dom)

	for _, src := range []libvirt.DomainInterfaceAddressesSource{
		libvirt.DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE,
		libvirt.DOMAIN_INTERFACE_ADDRESSES_SRC_AGENT,
	} {
		ifaces, err := dom.ListAllInterfaceAddresses(src)
		if err != nil {
			slog.Debug("error listing interface addresses", "vmName", name, "source", src, "error", err.Error())
			continue
		}
		for _, iface := range ifaces {
			if iface.Name == "lo" {
				continue
			}
			for _, addr := range iface.Addrs {
				if addr.Type == libvirt.IP_ADDR_TYPE_IPV4 {
					return strings.Split(addr.Addr, "/")[0], nil
				}
			}
		}
	}

	return "", nil
}

func (h *LibvirtHypervisor) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.conn == nil {
		return errLibvirtNotInitialized
	}
	return nil
}

func (h *LibvirtHypervisor) lookup(ctx context.Context, name string) (*libvirt.Domain, error) {
	if err := h.ready(ctx); err != nil {
		return nil, err
	}
	dom, err := h.conn.LookupDomainByName(name)
	if err != nil {
		if isNoDomain(err) {
			return nil, errors.Join(fmt.Errorf("vmName=%s", name), ErrDomainNotFound)
		}
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", name), errLookupDomain)
	}
	return dom, nil
}

func isNoDomain(err error) bool {
	var virErr libvirt.Error
	return errors.As(err, &virErr) && virErr.Code == libvirt.ERR_NO_DOMAIN
}

func freeDomain(dom *libvirt.Domain) {
	if dom == nil {
		return
	}
	if err := dom.Free(); err != nil {
		slog.Debug("failed to free domain handle", "error", err.Error())
	}
}
