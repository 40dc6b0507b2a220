// Command ampdusim drives the 802.11n aggregation engine against a
// simulated radio or, on Linux, a radio head reached over AF_XDP.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/romshark/ampdu-go/simhw"
	"github.com/romshark/ampdu-go/xmit"
)

func silenceUsage(cmd *cobra.Command, args []string) {
	cmd.SilenceUsage = true
}

func main() {
	rootCmd := &cobra.Command{
		Use:              "ampdusim",
		Short:            "802.11n A-MPDU transmit engine driver",
		PersistentPreRun: silenceUsage,
		SilenceErrors:    true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "path to config YAML file")
	pf.Var(&logLevelFlag, "log-level", "log level [debug|info|warn|error]")
	pf.Var(&logTypeFlag, "log-type", "log type [dev|prod|auto]")
	pf.Uint64P("frames", "n", defaultFrames, "frames per peer and TID")
	pf.IntP("frame-size", "l", defaultFrameSize, "payload size in bytes")
	pf.Uint64P("rate", "r", 0, "frames per second per peer and TID (0: unlimited)")
	pf.StringSlice("peer", nil, "peer addresses (replaces the configured peers)")
	pf.Bool("legacy", false, "send without block-ack sessions")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the workload against the simulated radio",
		Args:  cobra.NoArgs,
		RunE:  runSim,
	}
	runCmd.Flags().Float64("loss", 0, "subframe loss rate")
	runCmd.Flags().Float64("addba-fail", 0, "rate of unanswered ADDBA requests")
	runCmd.Flags().Int64("seed", 1, "random seed")
	runCmd.Flags().Bool("separate-ba", false, "report block-acks apart from completions")
	rootCmd.AddCommand(runCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return printConfig(conf)
		},
	}
	rootCmd.AddCommand(configCmd)

	addXDPCommand(rootCmd)

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ERR:", err)
		cancel()
		os.Exit(1)
	}
}

func runSim(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, level, err := setupLogs()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if err := printConfig(conf); err != nil {
		return err
	}

	addr, _ := net.ParseMAC(conf.Addr)
	r, err := simhw.New(simhw.Config{
		Logger:           log.Named("simhw"),
		Addr:             addr,
		Queues:           conf.Sim.Queues,
		QueueLimit:       conf.Sim.QueueLimit,
		Seed:             conf.Sim.Seed,
		LossRate:         conf.Sim.LossRate,
		AddbaFailRate:    conf.Sim.AddbaFailRate,
		WindowSize:       conf.Sim.WindowSize,
		SeparateBlockAck: conf.Sim.SeparateBlockAck,
		Airtime:          conf.Sim.Airtime,
	})
	if err != nil {
		return fmt.Errorf("creating simulated radio: %w", err)
	}
	defer r.Close()

	w := &workload{
		conf:  conf,
		log:   log,
		hw:    r,
		level: level,
		bind: func(e *xmit.Engine) {
			if conf.Sim.SeparateBlockAck {
				r.SetBlockAckHandler(blockAckHandler(e))
			}
		},
	}
	res, err := w.run(cmd.Context())
	if res != nil {
		st := r.Stats()
		log.Info("radio done",
			zap.Uint64("descriptors", st.Descriptors),
			zap.Uint64("aggregates", st.Aggregates),
			zap.Uint64("lost", st.Lost),
			zap.Uint64("block_ack_reqs", st.BlockAckReqs),
			zap.Uint64("addba_refused", st.AddbaRefused))
		if perr := printReport(os.Stdout, res); perr != nil {
			return perr
		}
	}
	return err
}
