//go:build linux

// Package xdp builds the XDP program that steers radio head traffic into
// AF_XDP sockets.
//
// The program passes every frame whose ethertype differs from EtherType
// to the kernel stack. Matching frames are redirected to the socket
// registered in xsks_map under the frame's RX queue index, or passed on
// when no socket is registered for that queue.
package xdp

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
)

// EtherType is the IEEE local experimental ethertype 1 used between the
// host and the radio head.
const EtherType = 0x88B5

const (
	// MaxQueues is the capacity of xsks_map.
	MaxQueues = 64

	xdpPass = 2

	// struct xdp_md field offsets.
	offData         = 0
	offDataEnd      = 4
	offRxQueueIndex = 16

	ethHeaderLen = 14
	ethTypeOff   = 12
)

// Objects holds the loaded program and its socket map.
type Objects struct {
	XsksMap     *ebpf.Map
	XdpSockProg *ebpf.Program
}

// Close releases both objects.
func (o *Objects) Close() error {
	var errs []error
	if o.XdpSockProg != nil {
		errs = append(errs, o.XdpSockProg.Close())
		o.XdpSockProg = nil
	}
	if o.XsksMap != nil {
		errs = append(errs, o.XsksMap.Close())
		o.XsksMap = nil
	}
	return errors.Join(errs...)
}

// Load creates xsks_map and loads xdp_sock_prog referencing it.
func Load() (*Objects, error) {
	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: MaxQueues,
	})
	if err != nil {
		return nil, fmt.Errorf("creating xsks_map: %w", err)
	}

	p, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "xdp_sock_prog",
		Type:         ebpf.XDP,
		License:      "GPL",
		Instructions: instructions(m.FD()),
	})
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("loading xdp_sock_prog: %w", err)
	}
	return &Objects{XsksMap: m, XdpSockProg: p}, nil
}

// ethTypeLE is EtherType as a little-endian half word load sees it.
const ethTypeLE = EtherType>>8 | (EtherType&0xff)<<8

func instructions(xsksFD int) asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.LoadMem(asm.R2, asm.R6, offData, asm.Word),
		asm.LoadMem(asm.R3, asm.R6, offDataEnd, asm.Word),

		// Bounds check the Ethernet header.
		asm.Mov.Reg(asm.R4, asm.R2),
		asm.Add.Imm(asm.R4, ethHeaderLen),
		asm.JGT.Reg(asm.R4, asm.R3, "pass"),

		asm.LoadMem(asm.R5, asm.R2, ethTypeOff, asm.Half),
		asm.JNE.Imm(asm.R5, ethTypeLE, "pass"),

		// bpf_redirect_map(&xsks_map, ctx->rx_queue_index, XDP_PASS)
		asm.LoadMapPtr(asm.R1, xsksFD),
		asm.LoadMem(asm.R2, asm.R6, offRxQueueIndex, asm.Word),
		asm.Mov.Imm(asm.R3, xdpPass),
		asm.FnRedirectMap.Call(),
		asm.Return(),

		asm.Mov.Imm(asm.R0, xdpPass).WithSymbol("pass"),
		asm.Return(),
	}
}
