package sip_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/ghettovoice/sipstack/sip"
)

func TestTimingConfig(t *testing.T) {
	t.Parallel()

	type timers struct {
		T1, T2, T4, Time100                 time.Duration
		A, B, D, E, F, G, H, I, J, K, L, M time.Duration
	}
	get := func(c sip.TimingConfig) timers {
		return timers{
			c.T1(), c.T2(), c.T4(), c.Time100(),
			c.TimeA(), c.TimeB(), c.TimeD(), c.TimeE(), c.TimeF(), c.TimeG(),
			c.TimeH(), c.TimeI(), c.TimeJ(), c.TimeK(), c.TimeL(), c.TimeM(),
		}
	}

	cases := []struct {
		name string
		cfg  sip.TimingConfig
		want timers
	}{
		{
			"defaults",
			sip.TimingConfig{},
			timers{
				T1: 500 * time.Millisecond, T2: 4 * time.Second, T4: 5 * time.Second, Time100: 200 * time.Millisecond,
				A: 500 * time.Millisecond, B: 32 * time.Second, D: 32 * time.Second,
				E: 500 * time.Millisecond, F: 32 * time.Second, G: 500 * time.Millisecond,
				H: 32 * time.Second, I: 5 * time.Second, J: 32 * time.Second, K: 5 * time.Second,
				L: 32 * time.Second, M: 32 * time.Second,
			},
		},
		{
			"custom",
			sip.NewTimings(10*time.Millisecond, 40*time.Millisecond, 50*time.Millisecond, time.Second, 5*time.Millisecond),
			timers{
				T1: 10 * time.Millisecond, T2: 40 * time.Millisecond, T4: 50 * time.Millisecond, Time100: 5 * time.Millisecond,
				A: 10 * time.Millisecond, B: 640 * time.Millisecond, D: time.Second,
				E: 10 * time.Millisecond, F: 640 * time.Millisecond, G: 10 * time.Millisecond,
				H: 640 * time.Millisecond, I: 50 * time.Millisecond, J: 640 * time.Millisecond, K: 50 * time.Millisecond,
				L: 640 * time.Millisecond, M: 640 * time.Millisecond,
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			if diff := cmp.Diff(get(c.cfg), c.want); diff != "" {
				t.Errorf("timers mismatch\ndiff (-got +want):\n%v", diff)
			}
		})
	}

	if !(sip.TimingConfig{}).IsZero() {
		t.Error("TimingConfig{}.IsZero() = false, want true")
	}
	if got, want := (sip.TimingConfig{}).String(), "T1=500ms T2=4s T4=5s TimeD=32s Time100=200ms"; got != want {
		t.Errorf("TimingConfig{}.String() = %q, want %q", got, want)
	}
}

func TestTimingConfig_Backoff(t *testing.T) {
	t.Parallel()

	var cfg sip.TimingConfig
	var got []time.Duration
	for d := cfg.TimeA(); len(got) < 7; d = cfg.Backoff(d) {
		got = append(got, d)
	}
	want := []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second,
		4 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second,
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("retransmit intervals mismatch\ndiff (-got +want):\n%v", diff)
	}

	if got := cfg.Linger(cfg.TimeK(), true); got != 0 {
		t.Errorf("cfg.Linger(K, reliable) = %v, want 0", got)
	}
	if got, want := cfg.Linger(cfg.TimeK(), false), 5*time.Second; got != want {
		t.Errorf("cfg.Linger(K, unreliable) = %v, want %v", got, want)
	}
}

func TestTimingConfig_Marshal(t *testing.T) {
	t.Parallel()

	cfg := sip.NewTimings(100*time.Millisecond, 2*time.Second, 0, 0, 0)

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v, want nil", err)
	}
	if got, want := string(data), `{"t1":"100ms","t2":"2s"}`; got != want {
		t.Errorf("json.Marshal() = %s, want %s", got, want)
	}
	var fromJSON sip.TimingConfig
	if err := json.Unmarshal(data, &fromJSON); err != nil {
		t.Fatalf("json.Unmarshal() error = %v, want nil", err)
	}
	if fromJSON != cfg {
		t.Errorf("json.Unmarshal() = %v, want %v", fromJSON, cfg)
	}

	data, err = yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v, want nil", err)
	}
	var fromYAML sip.TimingConfig
	if err := yaml.Unmarshal(data, &fromYAML); err != nil {
		t.Fatalf("yaml.Unmarshal() error = %v, want nil", err)
	}
	if fromYAML != cfg {
		t.Errorf("yaml.Unmarshal() = %v, want %v", fromYAML, cfg)
	}
}
