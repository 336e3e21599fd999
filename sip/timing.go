package sip

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"braces.dev/errtrace"
	"gopkg.in/yaml.v3"
)

// Default values for SIP timers as described in RFC 3261.
const (
	// T1 is the message RTT estimate.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum duration a message will remain in the network.
	T4 = 5 * time.Second
	// TimeD is the wait duration for response retransmits via unreliable transport.
	TimeD = 32 * time.Second
	// Time100 is the timeout for automatic 100 Trying response on INVITE.
	Time100 = 200 * time.Millisecond
)

// TimingConfig holds the base values of the SIP timers (RFC 3261 section 17 and appendix A).
// Zero value uses default base values [T1], [T2], [T4], [TimeD], [Time100].
// Timers A-M are derived from the base values.
// Linger timers (D, I, J, K) are zero on reliable transports, the transactions take care of that.
type TimingConfig struct {
	t1, t2, t4,
	timeD,
	time100 time.Duration
}

var defTimingCfg TimingConfig

// NewTimings creates a new SIP timing config with specified base values.
// See [TimingConfig] for more details about how base timing values are used.
func NewTimings(t1, t2, t4, timeD, time100 time.Duration) TimingConfig {
	return TimingConfig{t1, t2, t4, timeD, time100}
}

// T1 is the message RTT estimate.
// It is equal to [T1] if not specified.
func (c TimingConfig) T1() time.Duration {
	if c.t1 == 0 {
		return T1
	}
	return c.t1
}

// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
// It is equal to [T2] if not specified.
func (c TimingConfig) T2() time.Duration {
	if c.t2 == 0 {
		return T2
	}
	return c.t2
}

// T4 is the maximum duration a message will remain in the network.
// It is equal to [T4] if not specified.
func (c TimingConfig) T4() time.Duration {
	if c.t4 == 0 {
		return T4
	}
	return c.t4
}

// Time100 is the timeout for automatic 100 Trying response on INVITE.
// It is equal to [Time100] if not specified.
func (c TimingConfig) Time100() time.Duration {
	if c.time100 == 0 {
		return Time100
	}
	return c.time100
}

// TimeA returns initial INVITE request retransmit interval for unreliable transport.
// It is equal to [TimingConfig.T1].
func (c TimingConfig) TimeA() time.Duration { return c.T1() }

// TimeB returns INVITE client transaction timeout.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeB() time.Duration { return 64 * c.T1() }

// TimeD is the wait duration for response retransmits via unreliable transport.
// It is equal to [TimeD] if not specified.
func (c TimingConfig) TimeD() time.Duration {
	if c.timeD == 0 {
		return TimeD
	}
	return c.timeD
}

// TimeE returns initial non-INVITE request retransmit interval for unreliable transport.
// It is equal to [TimingConfig.T1].
func (c TimingConfig) TimeE() time.Duration { return c.T1() }

// TimeF returns non-INVITE client transaction timeout.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeF() time.Duration { return 64 * c.T1() }

// TimeG returns initial INVITE response retransmit interval for any transport.
// It is equal to [TimingConfig.T1].
func (c TimingConfig) TimeG() time.Duration { return c.T1() }

// TimeH returns timeout for ACK request receipt.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeH() time.Duration { return 64 * c.T1() }

// TimeI returns wait duration for ACK request retransmits via unreliable transport.
// It is equal to [TimingConfig.T4].
func (c TimingConfig) TimeI() time.Duration { return c.T4() }

// TimeJ returns wait duration for non-INVITE request retransmits via unreliable transport.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeJ() time.Duration { return 64 * c.T1() }

// TimeK returns wait duration for response retransmits via unreliable transport.
// It is equal to [TimingConfig.T4].
func (c TimingConfig) TimeK() time.Duration { return c.T4() }

// TimeL returns the wait duration for accepted INVITE request retransmits.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeL() time.Duration { return 64 * c.T1() }

// TimeM returns the wait duration for retransmission of 2xx to INVITE or
// additional 2xx from other branches of a forked INVITE.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeM() time.Duration { return 64 * c.T1() }

// Backoff returns the retransmit interval following prev.
// The interval doubles and is capped at [TimingConfig.T2] (timers A, E and G).
func (c TimingConfig) Backoff(prev time.Duration) time.Duration {
	return min(2*prev, c.T2())
}

// Linger returns how long a completed transaction absorbs retransmissions before it terminates.
// Reliable transports do not retransmit, so there is nothing to wait for (timers D, I, J and K).
func (c TimingConfig) Linger(d time.Duration, reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return d
}

// IsZero reports whether all base values are defaults.
func (c TimingConfig) IsZero() bool {
	return c.t1 == 0 && c.t2 == 0 && c.t4 == 0 && c.timeD == 0 && c.time100 == 0
}

// String returns the base values of the config.
func (c TimingConfig) String() string {
	return fmt.Sprintf("T1=%v T2=%v T4=%v TimeD=%v Time100=%v", c.T1(), c.T2(), c.T4(), c.TimeD(), c.Time100())
}

// LogValue implements [slog.LogValuer].
func (c TimingConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Duration("t1", c.T1()),
		slog.Duration("t2", c.T2()),
		slog.Duration("t4", c.T4()),
		slog.Duration("time_d", c.TimeD()),
		slog.Duration("time_100", c.Time100()),
	)
}

type timingConfData struct {
	T1      Duration `json:"t1,omitzero" yaml:"t1,omitempty"`
	T2      Duration `json:"t2,omitzero" yaml:"t2,omitempty"`
	T4      Duration `json:"t4,omitzero" yaml:"t4,omitempty"`
	TimeD   Duration `json:"time_d,omitzero" yaml:"time_d,omitempty"`
	Time100 Duration `json:"time_100,omitzero" yaml:"time_100,omitempty"`
}

func (c TimingConfig) data() timingConfData {
	return timingConfData{
		T1:      Duration(c.t1),
		T2:      Duration(c.t2),
		T4:      Duration(c.t4),
		TimeD:   Duration(c.timeD),
		Time100: Duration(c.time100),
	}
}

func (c *TimingConfig) setData(d timingConfData) error {
	if d.T1 < 0 || d.T2 < 0 || d.T4 < 0 || d.TimeD < 0 || d.Time100 < 0 {
		return errtrace.Wrap(NewInvalidArgumentError("negative timing value"))
	}
	if d.T1 > 0 && d.T2 > 0 && d.T2 < d.T1 {
		return errtrace.Wrap(NewInvalidArgumentError("T2 is less than T1"))
	}
	*c = NewTimings(
		time.Duration(d.T1),
		time.Duration(d.T2),
		time.Duration(d.T4),
		time.Duration(d.TimeD),
		time.Duration(d.Time100),
	)
	return nil
}

// MarshalJSON implements [json.Marshaler].
func (c TimingConfig) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(c.data()))
}

// UnmarshalJSON implements [json.Unmarshaler].
func (c *TimingConfig) UnmarshalJSON(data []byte) error {
	var d timingConfData
	if err := json.Unmarshal(data, &d); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(c.setData(d))
}

// MarshalYAML implements [yaml.Marshaler].
func (c TimingConfig) MarshalYAML() (any, error) {
	return c.data(), nil
}

// UnmarshalYAML implements [yaml.Unmarshaler].
func (c *TimingConfig) UnmarshalYAML(node *yaml.Node) error {
	var d timingConfData
	if err := node.Decode(&d); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(c.setData(d))
}
