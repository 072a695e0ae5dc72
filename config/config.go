// Package config loads the tunable constants that parameterize every stage
// of the TCP core: RTO bounds, delayed-ACK and keepalive intervals, MSL,
// buffer sizes, retransmission limits, and the per-user/per-system socket
// caps. Tunables are grouped in one struct so a worker thread can construct
// its timing wheel, port table and TCBs from a single immutable value
// handed to it at start-up, matching the "explicit services, not ambient
// globals" design note the rest of this module follows.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable constant exposed by the stack.
type Config struct {
	// RTOInit, RTOMin and RTOMax bound the retransmission timeout backoff.
	RTOInit time.Duration `yaml:"rto_init"`
	RTOMin  time.Duration `yaml:"rto_min"`
	RTOMax  time.Duration `yaml:"rto_max"`

	// DelayedACK is the maximum time a data segment may go un-ACKed before
	// the delayed-ACK timer flushes an ACK on its own.
	DelayedACK time.Duration `yaml:"delayed_ack"`

	// Keepalive is the idle interval before a keepalive probe is sent, and
	// KeepaliveMax the number of unanswered probes tolerated before the
	// connection is declared timed out.
	Keepalive    time.Duration `yaml:"keepalive"`
	KeepaliveMax int           `yaml:"keepalive_max"`

	// MSL is the maximum segment lifetime; TIME-WAIT lasts 2*MSL.
	MSL time.Duration `yaml:"msl"`

	// RecvBufferSize and SendBufferSize (rmem/wmem) bound each TCB's
	// receive and transmit buffering, clamped to [BufferMin, BufferMax].
	RecvBufferSize int `yaml:"rmem"`
	SendBufferSize int `yaml:"wmem"`
	BufferMin      int `yaml:"buffer_min"`
	BufferMax      int `yaml:"buffer_max"`

	// MaxRTX is the number of retransmission timeouts tolerated before a
	// connection is declared ETIMEDOUT.
	MaxRTX int `yaml:"max_rtx"`

	// FlowBuckets must be a power of two (checked by Validate). The port
	// allocator does not read it: its per-address slot count is the fixed
	// porttable.NumPorts.
	FlowBuckets int `yaml:"flow_buckets"`

	// MaxSocketsPerUser and MaxSocketsSystemWide implement EMFILE/ENFILE.
	MaxSocketsPerUser    int `yaml:"max_sockets_per_user"`
	MaxSocketsSystemWide int `yaml:"max_sockets_system_wide"`

	// DefaultMSS is the TCP MSS advertised and accepted absent negotiation,
	// and the ceiling any peer-advertised MSS is capped to.
	DefaultMSS int `yaml:"default_mss"`

	// TimerTick is the timing wheel's granularity.
	TimerTick time.Duration `yaml:"timer_tick"`

	// MaxTimerStride bounds the timing wheel's stride adaptation (1 under
	// simulated/test time, per the wheel's own doc).
	MaxTimerStride int `yaml:"max_timer_stride"`
}

// Default returns the tunables table exactly as specified, one instance of
// which every worker thread's wheel/port-table/TCBs are built from.
func Default() Config {
	return Config{
		RTOInit:              1000 * time.Millisecond,
		RTOMin:               200 * time.Millisecond,
		RTOMax:               60_000 * time.Millisecond,
		DelayedACK:           500 * time.Millisecond,
		Keepalive:            75 * time.Second,
		KeepaliveMax:         9,
		MSL:                  250 * time.Millisecond,
		RecvBufferSize:       1 << 20,
		SendBufferSize:       1 << 20,
		BufferMin:            128 << 10,
		BufferMax:            8 << 20,
		MaxRTX:               5,
		FlowBuckets:          65536,
		MaxSocketsPerUser:    4096,
		MaxSocketsSystemWide: 1 << 20,
		DefaultMSS:           1460,
		TimerTick:            time.Millisecond,
		MaxTimerStride:       32,
	}
}

// Load reads a YAML document from src and overlays it on top of [Default],
// so a config file only needs to list the tunables it overrides.
func Load(src []byte) (Config, error) {
	cfg := Default()
	if len(src) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(src, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate reports whether the buffer sizes, at least, respect their stated
// bounds. It does not attempt to catch every possible misconfiguration — the
// components themselves clamp out-of-range values defensively — but a
// config that is obviously wrong should fail fast at load time.
func (c Config) Validate() error {
	if c.RecvBufferSize < c.BufferMin || c.RecvBufferSize > c.BufferMax {
		return fmt.Errorf("config: rmem %d outside [%d,%d]", c.RecvBufferSize, c.BufferMin, c.BufferMax)
	}
	if c.SendBufferSize < c.BufferMin || c.SendBufferSize > c.BufferMax {
		return fmt.Errorf("config: wmem %d outside [%d,%d]", c.SendBufferSize, c.BufferMin, c.BufferMax)
	}
	if c.RTOMin > c.RTOInit || c.RTOInit > c.RTOMax {
		return fmt.Errorf("config: RTO bounds out of order: min=%s init=%s max=%s", c.RTOMin, c.RTOInit, c.RTOMax)
	}
	if c.FlowBuckets == 0 || c.FlowBuckets&(c.FlowBuckets-1) != 0 {
		return fmt.Errorf("config: flow_buckets %d must be a power of two", c.FlowBuckets)
	}
	return nil
}
