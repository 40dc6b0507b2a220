package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/romshark/ampdu-go/descring"
	"github.com/romshark/ampdu-go/simhw"
	"github.com/romshark/ampdu-go/xmit"
)

type PeerConfig struct {
	Addr           string  `yaml:"addr"`
	HT             bool    `yaml:"ht"`
	MaxAMPDUFactor int     `yaml:"max-ampdu-factor"`
	Key            string  `yaml:"key"`
	TIDs           []uint8 `yaml:"tids"`
}

type Config struct {
	// Addr is the address frames are sent from.
	Addr  string       `yaml:"addr"`
	Peers []PeerConfig `yaml:"peers"`

	// Frames is the number of frames sent per peer and TID.
	Frames    uint64 `yaml:"frames"`
	FrameSize int    `yaml:"frame-size"`
	// Rate is the number of frames per second per peer and TID.
	// Zero sends as fast as the engine accepts.
	Rate uint64 `yaml:"rate"`

	DrainTimeout time.Duration `yaml:"drain-timeout"`
	Interval     time.Duration `yaml:"interval"`
	Metrics      string        `yaml:"metrics"` // Not CLI-overwritable.

	Engine struct {
		Buffers         uint32        `yaml:"buffers"`
		QueueDepth      int           `yaml:"queue-depth"`
		AggrQueueDepth  int           `yaml:"aggr-queue-depth"`
		MaxSubframes    int           `yaml:"max-subframes"`
		AddbaAttempts   int           `yaml:"addba-attempts"`
		AddbaCooldown   time.Duration `yaml:"addba-cooldown"`
		BlockAckTimeout time.Duration `yaml:"block-ack-timeout"`
		StuckThreshold  time.Duration `yaml:"stuck-threshold"`
	} `yaml:"engine"`

	Sim struct {
		Queues           int           `yaml:"queues"`
		QueueLimit       int           `yaml:"queue-limit"`
		Seed             int64         `yaml:"seed"`
		LossRate         float64       `yaml:"loss-rate"`
		AddbaFailRate    float64       `yaml:"addba-fail-rate"`
		WindowSize       int           `yaml:"window-size"`
		SeparateBlockAck bool          `yaml:"separate-block-ack"`
		Airtime          time.Duration `yaml:"airtime"`
	} `yaml:"sim"`

	XDP struct {
		Interface string `yaml:"interface"`
		Zerocopy  bool   `yaml:"zerocopy"`
		Queue     uint32 `yaml:"queue"`
		Head      string `yaml:"head"`
		Queues    int    `yaml:"queues"`
		BatchSize uint32 `yaml:"batch-size"`
	} `yaml:"xdp"`
}

const (
	defaultAddr         = "02:00:00:00:00:01"
	defaultPeer         = "02:00:00:00:00:10"
	defaultFrames       = 10000
	defaultFrameSize    = 1500
	defaultDrainTimeout = 2 * time.Second
	defaultInterval     = time.Second

	// maxMSDU is the largest 802.11 MSDU.
	maxMSDU = 2304
)

func defaultConfig() *Config {
	c := &Config{
		Addr:         defaultAddr,
		Peers:        []PeerConfig{{Addr: defaultPeer, HT: true, TIDs: []uint8{0, 5}}},
		Frames:       defaultFrames,
		FrameSize:    defaultFrameSize,
		DrainTimeout: defaultDrainTimeout,
		Interval:     defaultInterval,
	}
	c.Sim.Queues = simhw.DefaultQueues
	c.Sim.QueueLimit = simhw.DefaultQueueLimit
	c.Sim.Seed = 1
	c.Sim.Airtime = simhw.DefaultAirtime
	return c
}

func parseKey(s string) (descring.KeyType, error) {
	switch strings.ToLower(s) {
	case "", "clear", "none":
		return descring.KeyClear, nil
	case "wep":
		return descring.KeyWEP, nil
	case "aes", "ccmp":
		return descring.KeyAES, nil
	case "tkip":
		return descring.KeyTKIP, nil
	}
	return 0, fmt.Errorf("unknown key type %q", s)
}

// loadConfig reads the YAML file named by --config, if any, and applies
// the command line overrides of cmd.
func loadConfig(cmd *cobra.Command) (*Config, error) {
	conf := defaultConfig()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	// Apply CLI overrides if necessary.
	f := cmd.Flags()
	if f.Changed("frames") {
		conf.Frames, _ = f.GetUint64("frames")
	}
	if f.Changed("frame-size") {
		conf.FrameSize, _ = f.GetInt("frame-size")
	}
	if f.Changed("rate") {
		conf.Rate, _ = f.GetUint64("rate")
	}
	if f.Changed("peer") {
		addrs, _ := f.GetStringSlice("peer")
		tmpl := PeerConfig{HT: true, TIDs: []uint8{0}}
		if len(conf.Peers) > 0 {
			tmpl = conf.Peers[0]
		}
		conf.Peers = conf.Peers[:0]
		for _, a := range addrs {
			p := tmpl
			p.Addr = a
			conf.Peers = append(conf.Peers, p)
		}
	}
	if f.Changed("legacy") {
		for i := range conf.Peers {
			conf.Peers[i].HT = false
		}
	}
	if f.Changed("loss") {
		conf.Sim.LossRate, _ = f.GetFloat64("loss")
	}
	if f.Changed("addba-fail") {
		conf.Sim.AddbaFailRate, _ = f.GetFloat64("addba-fail")
	}
	if f.Changed("seed") {
		conf.Sim.Seed, _ = f.GetInt64("seed")
	}
	if f.Changed("separate-ba") {
		conf.Sim.SeparateBlockAck, _ = f.GetBool("separate-ba")
	}
	if f.Changed("iface") {
		conf.XDP.Interface, _ = f.GetString("iface")
	}
	if f.Changed("head") {
		conf.XDP.Head, _ = f.GetString("head")
	}
	if f.Changed("zerocopy") {
		conf.XDP.Zerocopy, _ = f.GetBool("zerocopy")
	}
	if f.Changed("queue") {
		conf.XDP.Queue, _ = f.GetUint32("queue")
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) validate() error {
	if _, err := net.ParseMAC(c.Addr); err != nil {
		return fmt.Errorf("invalid addr %q: %w", c.Addr, err)
	}
	if len(c.Peers) == 0 {
		return errors.New("peers must not be empty")
	}
	seen := make(map[xmit.PeerID]bool, len(c.Peers))
	for i, p := range c.Peers {
		id, err := xmit.ParsePeerID(p.Addr)
		if err != nil {
			return fmt.Errorf("invalid peers[%d].addr: %w", i, err)
		}
		if seen[id] {
			return fmt.Errorf("peer %s listed twice", id)
		}
		seen[id] = true
		if len(p.TIDs) == 0 {
			return fmt.Errorf("peers[%d].tids must not be empty", i)
		}
		for _, tid := range p.TIDs {
			if tid >= xmit.NumTIDs {
				return fmt.Errorf("peers[%d]: TID %d out of range", i, tid)
			}
		}
		if _, err := parseKey(p.Key); err != nil {
			return fmt.Errorf("peers[%d].key: %w", i, err)
		}
	}
	if c.Frames == 0 {
		return errors.New("frames must be > 0")
	}
	if c.FrameSize < 1 || c.FrameSize > maxMSDU {
		return fmt.Errorf("frame-size must be between 1-%d", maxMSDU)
	}
	if c.DrainTimeout <= 0 {
		return errors.New("drain-timeout must be > 0")
	}
	if c.Interval <= 0 {
		return errors.New("interval must be > 0")
	}
	if c.Sim.LossRate < 0 || c.Sim.LossRate >= 1 {
		return errors.New("sim.loss-rate must be in [0,1)")
	}
	if c.Sim.AddbaFailRate < 0 || c.Sim.AddbaFailRate > 1 {
		return errors.New("sim.addba-fail-rate must be in [0,1]")
	}
	if c.XDP.Head != "" {
		if _, err := net.ParseMAC(c.XDP.Head); err != nil {
			return fmt.Errorf("invalid xdp.head %q: %w", c.XDP.Head, err)
		}
	}
	return nil
}

func (c *Config) engineConfig() xmit.Config {
	return xmit.Config{
		Ring:            descring.Config{NumBuffers: c.Engine.Buffers},
		QueueDepth:      c.Engine.QueueDepth,
		AggrQueueDepth:  c.Engine.AggrQueueDepth,
		MaxSubframes:    c.Engine.MaxSubframes,
		AddbaAttempts:   c.Engine.AddbaAttempts,
		AddbaCooldown:   c.Engine.AddbaCooldown,
		BlockAckTimeout: c.Engine.BlockAckTimeout,
		StuckThreshold:  c.Engine.StuckThreshold,
	}
}

// printConfig writes the final resolved config to stderr.
func printConfig(conf *Config) error {
	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	if err != nil {
		return fmt.Errorf("encoding final YAML config: %w", err)
	}
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)
	return nil
}
