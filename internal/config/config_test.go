package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autotune.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
engine:
  state_file: /tmp/state.json
  htlc_buffer_file: /tmp/htlc.ndjson
channels:
  acinq:
    peer: ACINQ
    max_range_ppm: 2500
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got := cfg.Fees.IncrementPpm; got != 25 {
		t.Fatalf("Fees.IncrementPpm = %d, want 25", got)
	}
	if got := cfg.Engine.StateBackups; got != 1000 {
		t.Fatalf("Engine.StateBackups = %d, want 1000", got)
	}
	if got := cfg.Risk.DecayStep; got != 0.05 {
		t.Fatalf("Risk.DecayStep = %v, want 0.05", got)
	}
	if got := cfg.InboundFees.MinFeePpm; got != -100 {
		t.Fatalf("InboundFees.MinFeePpm = %d, want -100", got)
	}
	if got := cfg.Thresholds.Delta.BaseDelta; got != 2.0 {
		t.Fatalf("Thresholds.Delta.BaseDelta = %v, want 2.0", got)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{
			name: "no channels",
			body: "engine:\n  state_file: /tmp/s.json\n  htlc_buffer_file: /tmp/h.ndjson\n",
		},
		{
			name: "missing alias fragment",
			body: "engine:\n  state_file: /tmp/s.json\n  htlc_buffer_file: /tmp/h.ndjson\nchannels:\n  peerx: {}\n",
		},
		{
			name: "missing state file",
			body: "engine:\n  htlc_buffer_file: /tmp/h.ndjson\nchannels:\n  peerx:\n    peer: x\n",
		},
		{
			name: "inverted per-channel range",
			body: minimalConfig + "    min_range_ppm: 3000\n",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatalf("Load accepted invalid config")
			}
			var cerr *ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("error = %v, want *ConfigError", err)
			}
		})
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+"bogus_section:\n  x: 1\n"))
	if err == nil {
		t.Fatalf("Load accepted unknown top-level key")
	}
}

func TestExemptionLookups(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`rules:
  sink_guard_disabled: [ACINQ]
  inbound_fees_disabled: [" kraken "]
`))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !cfg.SinkGuardDisabled("acinq") {
		t.Fatalf("SinkGuardDisabled(acinq) = false, want true")
	}
	if cfg.SinkGuardDisabled("bitrefill") {
		t.Fatalf("SinkGuardDisabled(bitrefill) = true, want false")
	}
	if !cfg.InboundFeesDisabled("Kraken") {
		t.Fatalf("InboundFeesDisabled(Kraken) = false, want true")
	}
}
