//go:build linux

// Package afxdp connects the transmit engine to a remote radio head over
// AF_XDP sockets.
//
// An Interface owns the XDP program steering radio head frames into
// sockets. A Socket moves radio head messages through one NIC queue and
// a Radio speaks the radio head protocol over it.
package afxdp

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"golang.org/x/sys/unix"

	"github.com/romshark/ampdu-go/afxdp/xdp"
)

var (
	ErrXSKSMapNotFound     = errors.New("xsks_map not found")
	ErrXDPSockProgNotFound = errors.New("xdp_sock_prog not found")
)

// InterfaceConfig controls how AF_XDP is attached to a network interface.
type InterfaceConfig struct {
	// PreferZerocopy attaches the program in driver mode and asks for
	// zero-copy sockets. Queues without zero-copy support fall back to
	// copy mode.
	PreferZerocopy bool
}

type Interface struct {
	name           string
	index          int
	hwAddr         net.HardwareAddr
	preferZerocopy bool

	link link.Link
	objs *xdp.Objects
}

// MakeInterface attaches the XDP program to the named interface.
func MakeInterface(name string, conf InterfaceConfig) (*Interface, error) {
	netIf, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("getting interface: %w", err)
	}
	objs, err := xdp.Load()
	if err != nil {
		return nil, fmt.Errorf("loading XDP BPF: %w", err)
	}
	if objs.XdpSockProg == nil {
		_ = objs.Close()
		return nil, ErrXDPSockProgNotFound
	}
	opts := link.XDPOptions{Program: objs.XdpSockProg, Interface: netIf.Index}
	if conf.PreferZerocopy {
		opts.Flags = link.XDPDriverMode
	}
	l, err := link.AttachXDP(opts)
	if err != nil {
		_ = objs.Close()
		return nil, fmt.Errorf("attaching XDP: %w", err)
	}
	return &Interface{
		name:           name,
		index:          netIf.Index,
		hwAddr:         netIf.HardwareAddr,
		preferZerocopy: conf.PreferZerocopy,
		link:           l,
		objs:           objs,
	}, nil
}

// Info returns the name and index of the interface.
func (i *Interface) Info() (name string, index int) { return i.name, i.index }

// HardwareAddr returns the MAC address of the interface.
func (i *Interface) HardwareAddr() net.HardwareAddr { return i.hwAddr }

// RXQueueIDs returns the RX queue IDs of the interface in ascending order.
func (i *Interface) RXQueueIDs() ([]uint32, error) {
	paths, err := filepath.Glob(filepath.Join("/sys/class/net", i.name, "queues", "rx-*"))
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(paths))
	for _, p := range paths {
		s := strings.TrimPrefix(filepath.Base(p), "rx-")
		id, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing queue %q: %w", s, err)
		}
		ids = append(ids, uint32(id))
	}
	slices.Sort(ids)
	return ids, nil
}

// Close detaches the XDP program. Sockets must be closed first.
func (i *Interface) Close() error {
	var errs []error
	if i.link != nil {
		if err := i.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		i.link = nil
	}
	if i.objs != nil {
		if err := i.objs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP objects: %w", err))
		}
		i.objs = nil
	}
	return errors.Join(errs...)
}

// bind binds fd to queue, in zero-copy mode when preferred and
// supported. It reports whether zero-copy is in effect.
func (i *Interface) bind(fd int, queue uint32) (bool, error) {
	sa := &unix.SockaddrXDP{Ifindex: uint32(i.index), QueueID: queue}
	if i.preferZerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
		err := unix.Bind(fd, sa)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, unix.EOPNOTSUPP) && !errors.Is(err, unix.EPROTONOSUPPORT) {
			return false, err
		}
	}
	sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
	return false, unix.Bind(fd, sa)
}

// register points the program's queue slot at fd.
func (i *Interface) register(fd int, queue uint32) error {
	if i.objs == nil || i.objs.XsksMap == nil {
		return ErrXSKSMapNotFound
	}
	return i.objs.XsksMap.Update(queue, uint32(fd), ebpf.UpdateAny)
}

func (i *Interface) unregister(queue uint32) error {
	if i.objs == nil || i.objs.XsksMap == nil {
		return nil
	}
	err := i.objs.XsksMap.Delete(queue)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return nil
	}
	return err
}
