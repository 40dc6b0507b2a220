package xmit

import (
	"time"

	"go.uber.org/zap"

	"github.com/romshark/ampdu-go/baw"
	"github.com/romshark/ampdu-go/descring"
)

const (
	// TU is the 802.11 time unit.
	TU = 1024 * time.Microsecond

	DefaultQueueDepth      = 8
	DefaultAggrQueueDepth  = 2 // ATH_AGGR_MIN_QDEPTH
	DefaultMaxSubframes    = baw.MaxSize
	DefaultMaxAggrLen      = 65535 // IEEE80211_MAX_AMPDU
	DefaultAddbaAttempts   = 10    // ADDBA_EXCHANGE_ATTEMPTS
	DefaultAddbaCooldown   = 100 * time.Millisecond
	DefaultAddbaMaxCool    = 2 * time.Second
	DefaultBlockAckTimeout = 50 * time.Millisecond
	// DefaultStuckThreshold is BSTUCK_THRESH beacon intervals of 100 TU.
	DefaultStuckThreshold   = 9 * 100 * TU
	DefaultWatchdogInterval = 100 * time.Millisecond
)

type Config struct {
	Logger *zap.Logger

	// Ring configures the transmit descriptor ring.
	Ring descring.Config

	// QueueDepth is the maximum number of descriptor chains per hardware
	// queue.
	QueueDepth int
	// AggrQueueDepth is the number of aggregates the scheduler keeps in
	// a hardware queue before it stops forming new ones.
	AggrQueueDepth int
	// MaxSubframes caps the number of subframes in one aggregate.
	MaxSubframes int
	// MaxAggrLen caps the on-air length of one aggregate in bytes.
	MaxAggrLen int
	// MaxWindow caps the block-ack window size accepted from a peer.
	MaxWindow int

	AddbaAttempts    int
	AddbaCooldown    time.Duration
	AddbaMaxCooldown time.Duration

	// BlockAckTimeout is how long an aggregate completed without an
	// attached block-ack waits for OnBlockAck.
	BlockAckTimeout time.Duration
	// StuckThreshold is the age of the oldest descriptor after which a
	// hardware queue is reset.
	StuckThreshold   time.Duration
	WatchdogInterval time.Duration

	// ACQueues maps each access category to a hardware queue.
	// Nil maps AC i to queue i modulo the number of hardware queues.
	ACQueues []int

	Reporter   Reporter
	Negotiator Negotiator
}

func (c *Config) ValidateAndSetDefaults(numQueues int) error {
	if numQueues < 1 {
		return ErrNoQueues
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	c.Ring.Purpose = descring.PurposeTX
	if c.Ring.Logger == nil {
		c.Ring.Logger = c.Logger.Named("descring")
	}
	if err := c.Ring.ValidateAndSetDefaults(); err != nil {
		return err
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.AggrQueueDepth <= 0 {
		c.AggrQueueDepth = DefaultAggrQueueDepth
	}
	if c.MaxSubframes <= 0 {
		c.MaxSubframes = DefaultMaxSubframes
	}
	if c.MaxAggrLen <= 0 || c.MaxAggrLen > DefaultMaxAggrLen {
		c.MaxAggrLen = DefaultMaxAggrLen
	}
	if c.MaxWindow <= 0 || c.MaxWindow > baw.MaxSize {
		c.MaxWindow = baw.MaxSize
	}
	if c.AddbaAttempts <= 0 {
		c.AddbaAttempts = DefaultAddbaAttempts
	}
	if c.AddbaCooldown <= 0 {
		c.AddbaCooldown = DefaultAddbaCooldown
	}
	if c.AddbaMaxCooldown < c.AddbaCooldown {
		c.AddbaMaxCooldown = max(DefaultAddbaMaxCool, c.AddbaCooldown)
	}
	if c.BlockAckTimeout <= 0 {
		c.BlockAckTimeout = DefaultBlockAckTimeout
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = DefaultStuckThreshold
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = DefaultWatchdogInterval
	}
	if c.ACQueues == nil {
		c.ACQueues = make([]int, NumACs)
		for i := range c.ACQueues {
			c.ACQueues[i] = i % numQueues
		}
	}
	if len(c.ACQueues) != NumACs {
		return ErrInvalidQueue
	}
	for _, q := range c.ACQueues {
		if q < 0 || q >= numQueues {
			return ErrInvalidQueue
		}
	}
	if c.Reporter == nil {
		c.Reporter = nopReporter{}
	}
	return nil
}
