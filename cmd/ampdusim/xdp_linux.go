//go:build linux

package main

import (
	"fmt"
	"net"
	"os"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/romshark/ampdu-go/afxdp"
	"github.com/romshark/ampdu-go/xmit"
)

func addXDPCommand(root *cobra.Command) {
	xdpCmd := &cobra.Command{
		Use:   "xdp",
		Short: "Run the workload against a radio head reached over AF_XDP",
		Args:  cobra.NoArgs,
		RunE:  runXDP,
	}
	xdpCmd.Flags().StringP("iface", "i", "", "interface the radio head is attached to")
	xdpCmd.Flags().String("head", "", "radio head MAC address")
	xdpCmd.Flags().BoolP("zerocopy", "z", false, "prefer zerocopy mode")
	xdpCmd.Flags().Uint32P("queue", "q", 0, "queue id")
	root.AddCommand(xdpCmd)
}

func runXDP(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if conf.XDP.Interface == "" {
		return fmt.Errorf("xdp.interface must be set")
	}
	head, err := net.ParseMAC(conf.XDP.Head)
	if err != nil {
		return fmt.Errorf("xdp.head: %w", err)
	}
	log, level, err := setupLogs()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if err := printConfig(conf); err != nil {
		return err
	}

	iface, err := afxdp.MakeInterface(conf.XDP.Interface, afxdp.InterfaceConfig{
		PreferZerocopy: conf.XDP.Zerocopy,
	})
	if err != nil {
		return fmt.Errorf("making interface: %w", err)
	}
	defer func() {
		if err := iface.Close(); err != nil {
			log.Warn("closing interface", zap.Error(err))
		}
	}()

	queues, err := iface.RXQueueIDs()
	if err != nil {
		return fmt.Errorf("listing queues: %w", err)
	}
	if !slices.Contains(queues, conf.XDP.Queue) {
		return fmt.Errorf("queue %d not in %v", conf.XDP.Queue, queues)
	}

	r, err := iface.OpenRadio(afxdp.RadioConfig{
		Logger: log.Named("afxdp"),
		Head:   head,
		Queues: conf.XDP.Queues,
		Socket: afxdp.SocketConfig{
			QueueID:   conf.XDP.Queue,
			BatchSize: conf.XDP.BatchSize,
		},
	})
	if err != nil {
		return fmt.Errorf("opening radio: %w", err)
	}
	defer r.Close()

	name, index := iface.Info()
	log.Info("radio head attached",
		zap.String("iface", name),
		zap.Int("index", index),
		zap.Stringer("addr", iface.HardwareAddr()),
		zap.Stringer("head", head),
		zap.Uint32("queue", conf.XDP.Queue))

	w := &workload{
		conf:  conf,
		log:   log,
		hw:    r,
		level: level,
		bind: func(e *xmit.Engine) {
			r.SetBlockAckHandler(blockAckHandler(e))
		},
	}
	res, err := w.run(cmd.Context())
	if res != nil {
		st := r.Stats()
		log.Info("radio done",
			zap.Uint64("descriptors", st.Descriptors),
			zap.Uint64("subframes", st.Subframes),
			zap.Uint64("completions", st.Completions),
			zap.Uint64("block_acks", st.BlockAcks),
			zap.Uint64("foreign", st.Foreign),
			zap.Uint64("malformed", st.Malformed),
			zap.Int("pending", r.Pending()))
		if ks, kerr := r.KernelStats(); kerr == nil {
			log.Info("socket drops",
				zap.Uint64("rx_dropped", ks.Rx_dropped),
				zap.Uint64("rx_invalid", ks.Rx_invalid_descs),
				zap.Uint64("tx_invalid", ks.Tx_invalid_descs),
				zap.Uint64("rx_ring_full", ks.Rx_ring_full))
		}
		if perr := printReport(os.Stdout, res); perr != nil {
			return perr
		}
	}
	return err
}
