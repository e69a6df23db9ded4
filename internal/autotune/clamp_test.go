package autotune

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/btx-lnd/lazy-lnd/internal/config"
)

type captureLog struct {
	lines []string
}

func (c *captureLog) Printf(format string, v ...any) {
	c.lines = append(c.lines, fmt.Sprintf(format, v...))
}

func intPtr(v int) *int { return &v }

func clampConfig() *config.Config {
	return &config.Config{
		Fees:        config.FeesConfig{MinMaxRatio: 0.5},
		InboundFees: config.InboundFeesConfig{MaxFeePpm: 1500, MinFeePpm: -100},
		Channels: map[string]config.ChannelConfig{
			"acinq": {
				Peer:        "ACINQ",
				MinRangePpm: intPtr(10),
				MaxRangePpm: intPtr(1000),
			},
			"kraken": {
				Peer:          "Kraken",
				InboundFeePpm: intPtr(200),
			},
		},
	}
}

func TestEnforcePolicyAppliesChannelRange(t *testing.T) {
	cfg := clampConfig()
	state := &PeerState{}

	fees := enforcePolicy("acinq", FeeSet{MinFeePpm: 2, MaxFeePpm: 5000, InboundFeePpm: 0}, state, cfg, nil)

	if fees.MaxFeePpm != 1000 {
		t.Fatalf("max = %d, want 1000 from range", fees.MaxFeePpm)
	}
	if fees.MinFeePpm != 500 {
		t.Fatalf("min = %d, want 500 (raised to half of max)", fees.MinFeePpm)
	}
	if state.Fee != 1000 {
		t.Fatalf("state.fee = %d, want mirrored 1000", state.Fee)
	}
}

func TestEnforcePolicyInboundFloor(t *testing.T) {
	cfg := clampConfig()
	state := &PeerState{}

	fees := enforcePolicy("kraken", FeeSet{MinFeePpm: 100, MaxFeePpm: 300, InboundFeePpm: 50}, state, cfg, nil)
	if fees.InboundFeePpm != 200 {
		t.Fatalf("inbound = %d, want raised to configured 200", fees.InboundFeePpm)
	}
	if state.InboundFee != 200 {
		t.Fatalf("state.inbound_fee = %d, want mirrored 200", state.InboundFee)
	}

	// A subsidy is never raised by the configured floor.
	fees = enforcePolicy("kraken", FeeSet{MinFeePpm: 100, MaxFeePpm: 300, InboundFeePpm: -40}, state, cfg, nil)
	if fees.InboundFeePpm != -40 {
		t.Fatalf("inbound = %d, want -40 untouched", fees.InboundFeePpm)
	}
}

func TestEnforcePolicyNegativeInboundBoundedByMax(t *testing.T) {
	cfg := clampConfig()
	state := &PeerState{}

	fees := enforcePolicy("acinq", FeeSet{MinFeePpm: 10, MaxFeePpm: 40, InboundFeePpm: -90}, state, cfg, nil)
	if fees.InboundFeePpm != -40 {
		t.Fatalf("inbound = %d, want -40 (magnitude capped at max fee)", fees.InboundFeePpm)
	}
}

func TestEnforcePolicyLogsCorrections(t *testing.T) {
	cfg := clampConfig()
	logger := &captureLog{}

	enforcePolicy("acinq", FeeSet{MinFeePpm: 2, MaxFeePpm: 5000}, &PeerState{}, cfg, logger)
	if len(logger.lines) != 1 {
		t.Fatalf("corrective clamp logged %d lines, want 1", len(logger.lines))
	}

	logger.lines = nil
	enforcePolicy("acinq", FeeSet{MinFeePpm: 500, MaxFeePpm: 1000}, &PeerState{}, cfg, logger)
	if len(logger.lines) != 0 {
		t.Fatalf("no-op clamp logged: %v", logger.lines)
	}
}

func TestEnforcePolicyIdempotentAndBounded(t *testing.T) {
	cfg := clampConfig()
	sections := []string{"acinq", "kraken", "unknown"}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 2000; i++ {
		section := sections[rng.Intn(len(sections))]
		in := FeeSet{
			MinFeePpm:     rng.Intn(6000) - 1000,
			MaxFeePpm:     rng.Intn(6000) - 1000,
			InboundFeePpm: rng.Intn(4000) - 2000,
		}

		once := enforcePolicy(section, in, &PeerState{}, cfg, nil)
		twice := enforcePolicy(section, once, &PeerState{}, cfg, nil)

		if once != twice {
			t.Fatalf("clamp not idempotent for %s %+v: %+v then %+v", section, in, once, twice)
		}
		if once.MinFeePpm < 0 || once.MinFeePpm > once.MaxFeePpm {
			t.Fatalf("bounds violated for %s %+v: %+v", section, in, once)
		}
		if once.InboundFeePpm > cfg.InboundFees.MaxFeePpm || once.InboundFeePpm < cfg.InboundFees.MinFeePpm {
			t.Fatalf("inbound bounds violated for %s %+v: %+v", section, in, once)
		}
		if once.InboundFeePpm < 0 && -once.InboundFeePpm > once.MaxFeePpm {
			t.Fatalf("negative inbound exceeds max for %s %+v: %+v", section, in, once)
		}
	}
}
