package autotune

import (
	"testing"
)

func TestExplainPeerQuietStateAllRulesQuiet(t *testing.T) {
	cfg := testPipelineConfig()

	verdicts := ExplainPeer("acinq", quietState(), cfg)
	if len(verdicts) != len(feeRules) {
		t.Fatalf("verdict count = %d, want %d", len(verdicts), len(feeRules))
	}
	for _, v := range verdicts {
		if v.Fired {
			t.Fatalf("rule %s fired on a quiet peer: %+v", v.Rule, v)
		}
		if v.WinsOutbound || v.WinsInbound {
			t.Fatalf("rule %s selected on a quiet peer", v.Rule)
		}
	}
}

func TestExplainPeerDecayingPeerReportsWinner(t *testing.T) {
	cfg := testPipelineConfig()

	state := quietState()
	state.MinFee = 0
	state.EmaBlended = 40_000
	state.PrevEmaBlended = 50_000
	state.EmaDelta = -10_000
	state.LastDailyVol = 0

	verdicts := ExplainPeer("acinq", state, cfg)

	byRule := make(map[string]RuleVerdict, len(verdicts))
	for _, v := range verdicts {
		byRule[v.Rule] = v
	}

	b3, ok := byRule["B3_generic_decay"]
	if !ok || !b3.Fired {
		t.Fatalf("generic decay did not fire: %+v", b3)
	}
	if b3.NewMax != 75 || b3.NewMin != 37 {
		t.Fatalf("B3 proposal = %d/%d, want 37/75", b3.NewMin, b3.NewMax)
	}
	if !b3.WinsOutbound {
		t.Fatalf("B3 should win the outbound side: %+v", b3)
	}

	if byRule["A1_bootstrap_low_fee"].Fired {
		t.Fatalf("bootstrap rule fired without fresh flow")
	}
	if byRule["F1_role_flip_freeze"].Fired {
		t.Fatalf("flip freeze fired with DaysSinceFlip=5")
	}
	for _, v := range verdicts {
		if v.WinsInbound {
			t.Fatalf("no inbound change expected, %s won inbound", v.Rule)
		}
	}
}
