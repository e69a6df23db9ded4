package autotune

import (
	"math/rand"
	"testing"

	"github.com/btx-lnd/lazy-lnd/internal/config"
	"github.com/btx-lnd/lazy-lnd/internal/htlc"
)

func testEngineConfig() *config.Config {
	return &config.Config{
		Fees: config.FeesConfig{
			IncrementPpm: 25,
			MinPpm:       0,
			MaxPpm:       2500,
			BumpMax:      400,
			MinMaxRatio:  0.5,
		},
		HTLC: config.HTLCConfig{
			FailShortTerm:          0.4,
			FailShortTermThreshold: 25,
			FailLongTerm:           0.3,
		},
		InboundFees: config.InboundFeesConfig{
			MaxFeePpm:    1500,
			MinFeePpm:    -100,
			IncrementPpm: 25,
			SinkPct:      0.75,
			TapPct:       0.25,
			RiskHigh:     0.7,
			RiskLow:      0.3,
		},
	}
}

// quietContext returns a context where no rule fires: flat EMAs trip every
// skip check and all trigger thresholds sit comfortably unmet.
func quietContext() *ruleContext {
	return &ruleContext{
		Alias:             "acinq",
		EmaBlended:        50_000,
		PrevEmaBlended:    50_000,
		RevEmaBlended:     200,
		PrevRevEmaBlended: 200,
		Fee:               100,
		MinFee:            50,
		MaxFee:            100,
		DaysSinceFlip:     5,
		SinkRiskScore:     0.4,
		PctOutbound:       0.5,
		DeltaThreshold:    2.0,
		RevenueThreshold:  1.0,
		Cfg:               testEngineConfig(),
	}
}

func TestExponentialFeeBump(t *testing.T) {
	fees := &config.FeesConfig{IncrementPpm: 25, MaxPpm: 2500, BumpMax: 400}

	tests := []struct {
		name                      string
		fee, streak               int
		wantMax, wantMin, wantBum int
	}{
		{name: "bootstrap from zero", fee: 0, streak: 0, wantMax: 1, wantMin: 0, wantBum: 1},
		{name: "soft doubling under increment", fee: 4, streak: 2, wantMax: 8, wantMin: 4, wantBum: 4},
		{name: "soft capped at increment", fee: 20, streak: 4, wantMax: 25, wantMin: 12, wantBum: 16},
		{name: "at increment single step", fee: 25, streak: 0, wantMax: 50, wantMin: 25, wantBum: 25},
		{name: "streak doubles increment", fee: 100, streak: 2, wantMax: 200, wantMin: 100, wantBum: 100},
		{name: "bump capped at bump_max", fee: 500, streak: 8, wantMax: 900, wantMin: 450, wantBum: 400},
		{name: "max ppm cap", fee: 2400, streak: 4, wantMax: 2500, wantMin: 1250, wantBum: 400},
		{name: "huge streak saturates", fee: 25, streak: 60, wantMax: 425, wantMin: 212, wantBum: 400},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			gotMax, gotMin, gotBump := exponentialFeeBump(tc.fee, tc.streak, fees)
			if gotMax != tc.wantMax || gotMin != tc.wantMin || gotBump != tc.wantBum {
				t.Fatalf("bump(%d, %d) = (%d, %d, %d), want (%d, %d, %d)",
					tc.fee, tc.streak, gotMax, gotMin, gotBump, tc.wantMax, tc.wantMin, tc.wantBum)
			}
			if gotMin != gotMax/2 {
				t.Fatalf("new_min %d is not half of new_max %d", gotMin, gotMax)
			}
		})
	}
}

func TestQuietContextProducesNothing(t *testing.T) {
	outbound, inbound := evaluateFeeRules(quietContext())
	if outbound != nil {
		t.Fatalf("unexpected outbound winner %s", outbound.RuleID)
	}
	if inbound != nil {
		t.Fatalf("unexpected inbound winner %s", inbound.RuleID)
	}
}

func TestRuleA1Bootstrap(t *testing.T) {
	ctx := quietContext()
	ctx.Fee = 0
	ctx.MinFee = 0
	ctx.MaxFee = 1
	ctx.EmaBlended = 150_000
	ctx.PrevEmaBlended = 100_000
	ctx.Vol = 150_000
	ctx.LastDailyVol = 0

	outbound, _ := evaluateFeeRules(ctx)
	if outbound == nil || outbound.RuleID != "A1_bootstrap_low_fee" {
		t.Fatalf("outbound = %+v, want A1", outbound)
	}
	if outbound.NewMin != 1 || outbound.NewMax != 2 {
		t.Fatalf("A1 fees = (%d, %d), want (1, 2)", outbound.NewMin, outbound.NewMax)
	}
}

func TestRuleC1BlockedByLastSuccessfulFee(t *testing.T) {
	ctx := quietContext()
	ctx.Fee = 100
	ctx.MaxFee = 100
	ctx.MinFee = 50
	ctx.EmaBlended = 100_000
	ctx.PrevEmaBlended = 50_000
	ctx.EmaDelta = 300_000 // > ema * threshold
	ctx.Revenue = 50
	ctx.DeltaThreshold = 1.0
	ctx.LastSuccessfulFee = 100 // allows up to 150, proposal is 125

	outbound, _ := evaluateFeeRules(ctx)
	if outbound == nil || outbound.RuleID != "C1_exponential_bump" {
		t.Fatalf("outbound = %+v, want C1", outbound)
	}
	if outbound.NewMax != 125 || outbound.NewMin != 62 {
		t.Fatalf("C1 fees = (%d, %d), want (62, 125)", outbound.NewMin, outbound.NewMax)
	}

	ctx.LastSuccessfulFee = 50 // allows up to 75 < 125
	outbound, _ = evaluateFeeRules(ctx)
	if outbound != nil && outbound.RuleID == "C1_exponential_bump" {
		t.Fatalf("C1 fired past the last successful fee guard")
	}

	// No successful fee recorded: the cap falls back to the current max,
	// which blocks any increase.
	ctx.LastSuccessfulFee = 0
	outbound, _ = evaluateFeeRules(ctx)
	if outbound != nil && outbound.RuleID == "C1_exponential_bump" {
		t.Fatalf("C1 fired without a recorded successful fee")
	}
}

func TestRuleC1WinsOverDecayAndCarriesOverride(t *testing.T) {
	ctx := quietContext()
	ctx.Fee = 50
	ctx.MinFee = 25
	ctx.MaxFee = 50
	ctx.EmaBlended = 100_000
	ctx.PrevEmaBlended = 50_000
	ctx.EmaDelta = 250_000
	ctx.Revenue = 10
	ctx.DeltaThreshold = 2.0
	ctx.LastSuccessfulFee = 100

	outbound, _ := evaluateFeeRules(ctx)
	if outbound == nil || outbound.RuleID != "C1_exponential_bump" {
		t.Fatalf("outbound = %+v, want C1", outbound)
	}
	if !outbound.CooldownOverride {
		t.Fatalf("C1 must carry cooldown override")
	}
	if outbound.Weight != 100 {
		t.Fatalf("C1 weight = %d, want 100", outbound.Weight)
	}
}

func TestRuleB3GenericDecay(t *testing.T) {
	ctx := quietContext()
	ctx.Fee = 200
	ctx.MinFee = 100
	ctx.MaxFee = 200
	ctx.Vol = 0
	ctx.EmaBlended = 30_000
	ctx.PrevEmaBlended = 50_000

	outbound, _ := evaluateFeeRules(ctx)
	if outbound == nil || outbound.RuleID != "B3_generic_decay" {
		t.Fatalf("outbound = %+v, want B3", outbound)
	}
	if outbound.NewMax != 175 || outbound.NewMin != 87 {
		t.Fatalf("B3 fees = (%d, %d), want (87, 175)", outbound.NewMin, outbound.NewMax)
	}
}

func TestDecayRulesSkipAtPeerFloor(t *testing.T) {
	// The floor is the peer's own min bound, not the global one: a channel
	// pinned at a per-channel min_range_ppm above Fees.MinPpm must not keep
	// emitting no-op decays that re-arm its cooldown.
	ctx := quietContext()
	ctx.Fee = 50
	ctx.MinFee = 50
	ctx.MaxFee = 100
	ctx.Vol = 0
	ctx.EmaBlended = 30_000
	ctx.PrevEmaBlended = 50_000

	outbound, _ := evaluateFeeRules(ctx)
	if outbound != nil {
		t.Fatalf("decay fired at the peer floor: %+v", outbound)
	}

	ctx.Fee = 51
	outbound, _ = evaluateFeeRules(ctx)
	if outbound == nil || outbound.RuleID != "B3_generic_decay" {
		t.Fatalf("decay should fire just above the floor, got %+v", outbound)
	}
}

func TestRuleE1StepsCapAtTen(t *testing.T) {
	ctx := quietContext()
	ctx.Fee = 1000
	ctx.MinFee = 500
	ctx.MaxFee = 1000
	ctx.ZeroEmaCount = 25
	ctx.EmaBlended = 100
	ctx.PrevEmaBlended = 50_000
	ctx.Vol = 1 // keep B3 out of the way

	outbound, _ := evaluateFeeRules(ctx)
	if outbound == nil || outbound.RuleID != "E1_zero_ema_exponential_decay" {
		t.Fatalf("outbound = %+v, want E1", outbound)
	}
	if outbound.NewMax != 750 { // 1000 - 10*25
		t.Fatalf("E1 new max = %d, want 750", outbound.NewMax)
	}
}

func TestRuleF1FreezeBlocksNothingWhenUnchanged(t *testing.T) {
	// F1 proposes the current fees, so arbitration treats it as a no-op on
	// both directions.
	ctx := quietContext()
	ctx.DaysSinceFlip = 0

	outbound, inbound := evaluateFeeRules(ctx)
	if outbound != nil {
		t.Fatalf("freeze produced an outbound change: %+v", outbound)
	}
	if inbound != nil {
		t.Fatalf("freeze produced an inbound change: %+v", inbound)
	}
}

func TestRuleF3SinkGuard(t *testing.T) {
	ctx := quietContext()
	ctx.SinkRatio = 6.0
	ctx.SinkDelta = 0.8
	ctx.EmaFromTarget = 100_000
	ctx.Fee = 500
	ctx.MinFee = 250
	ctx.MaxFee = 500

	outbound, _ := evaluateFeeRules(ctx)
	if outbound == nil || outbound.RuleID != "F3_ema_sink_guard" {
		t.Fatalf("outbound = %+v, want F3", outbound)
	}
	if outbound.NewMax != 500 || outbound.NewMin != 400 {
		t.Fatalf("F3 fees = (%d, %d), want (400, 500)", outbound.NewMin, outbound.NewMax)
	}
}

func TestRuleF4RespectsExemption(t *testing.T) {
	ctx := quietContext()
	ctx.SinkRiskScore = 0.95
	ctx.Fee = 100
	ctx.MinFee = 50
	ctx.MaxFee = 1200

	outbound, _ := evaluateFeeRules(ctx)
	if outbound == nil || outbound.RuleID != "F4_sink_score_guard" {
		t.Fatalf("outbound = %+v, want F4", outbound)
	}
	if outbound.NewMin != 1000 || outbound.NewMax != 1000 {
		t.Fatalf("F4 fees = (%d, %d), want (1000, 1000)", outbound.NewMin, outbound.NewMax)
	}

	ctx.Cfg.Rules.SinkGuardDisabled = []string{"acinq"}
	outbound, _ = evaluateFeeRules(ctx)
	if outbound != nil {
		t.Fatalf("F4 fired for an exempt peer: %+v", outbound)
	}
}

func TestRuleF5TaxScalesWithVolume(t *testing.T) {
	ctx := quietContext()
	ctx.SinkRiskScore = 0.6
	ctx.EmaBlended = 200_000
	ctx.PrevEmaBlended = 100_000
	ctx.InboundFee = 0
	ctx.PctOutbound = 0.5 // keep F7/H2 quiet on the filling side

	_, inbound := evaluateFeeRules(ctx)
	if inbound == nil || inbound.RuleID != "F5_sink_inbound_tax" {
		t.Fatalf("inbound = %+v, want F5", inbound)
	}
	if *inbound.InboundFee != 50 { // 200_000 / 4000
		t.Fatalf("F5 inbound = %d, want 50", *inbound.InboundFee)
	}
}

func TestRuleF6ResetsAndDecays(t *testing.T) {
	// Low risk resets the tax outright.
	ctx := quietContext()
	ctx.InboundFee = 300
	ctx.SinkRiskScore = 0.2

	_, inbound := evaluateFeeRules(ctx)
	if inbound == nil || inbound.RuleID != "F6_inbound_fee_decay" {
		t.Fatalf("inbound = %+v, want F6 reset", inbound)
	}
	if *inbound.InboundFee != 0 {
		t.Fatalf("F6 reset inbound = %d, want 0", *inbound.InboundFee)
	}
	if inbound.Weight != 60 {
		t.Fatalf("F6 reset weight = %d, want 60", inbound.Weight)
	}

	// High risk with falling volume decays gently: never more than 15% or
	// 100 ppm in one cycle.
	ctx = quietContext()
	ctx.InboundFee = 1000
	ctx.SinkRiskScore = 0.6
	ctx.EmaBlended = 50_000
	ctx.PrevEmaBlended = 50_000 // skip checks do not gate F6

	_, inbound = evaluateFeeRules(ctx)
	if inbound == nil || inbound.RuleID != "F6_inbound_fee_decay" {
		t.Fatalf("inbound = %+v, want F6 decay", inbound)
	}
	if *inbound.InboundFee != 900 { // 15% would be 850, the 100ppm floor wins
		t.Fatalf("F6 decayed inbound = %d, want 900", *inbound.InboundFee)
	}
}

func TestRuleF7Subsidy(t *testing.T) {
	ctx := quietContext()
	ctx.SinkRiskScore = 0.1
	ctx.PctOutbound = 0.05
	ctx.MinFee = 50
	ctx.EmaBlended = 60_000
	ctx.PrevEmaBlended = 50_000

	_, inbound := evaluateFeeRules(ctx)
	if inbound == nil {
		t.Fatalf("no inbound winner")
	}
	// H2's draining branch (weight 70) outweighs F7 (50); verify F7 in
	// isolation instead.
	result := ruleF7SubsidiseInbound(ctx)
	if result == nil {
		t.Fatalf("F7 did not fire")
	}
	if *result.InboundFee != -50 {
		t.Fatalf("F7 inbound = %d, want -50", *result.InboundFee)
	}
}

func TestRuleH1Weights(t *testing.T) {
	ctx := quietContext()
	ctx.MaxFee = 100
	ctx.MinFee = 50
	ctx.HtlcStats = htlc.Stats{
		Hour: htlc.WindowStats{FailRate: 0.5, Fails: 30},
		Day:  htlc.WindowStats{FailRate: 0.1},
	}

	outbound, _ := evaluateFeeRules(ctx)
	if outbound == nil || outbound.RuleID != "H1_high_htlc_fail_rate" {
		t.Fatalf("outbound = %+v, want H1", outbound)
	}
	if outbound.Weight != 90 {
		t.Fatalf("H1 weight = %d, want 90 for short-term only", outbound.Weight)
	}
	if outbound.NewMax != 125 || outbound.NewMin != 62 {
		t.Fatalf("H1 fees = (%d, %d), want (62, 125)", outbound.NewMin, outbound.NewMax)
	}
	if !outbound.CooldownOverride {
		t.Fatalf("H1 must carry cooldown override")
	}

	ctx.HtlcStats.Day.FailRate = 0.5
	outbound, _ = evaluateFeeRules(ctx)
	if outbound == nil || outbound.Weight != 110 {
		t.Fatalf("H1 weight = %+v, want 110 when both windows are high", outbound)
	}
}

func TestRuleH1SmallFeeStepsToIncrement(t *testing.T) {
	ctx := quietContext()
	ctx.MaxFee = 3
	ctx.MinFee = 1
	ctx.HtlcStats = htlc.Stats{Hour: htlc.WindowStats{FailRate: 0.6, Fails: 40}}

	outbound, _ := evaluateFeeRules(ctx)
	if outbound == nil || outbound.NewMax != 4 {
		t.Fatalf("outbound = %+v, want max 4 (current+1 capped at increment)", outbound)
	}
}

func TestRuleH2FillAndDrain(t *testing.T) {
	ctx := quietContext()
	ctx.EmaBlended = 100_000
	ctx.PrevEmaBlended = 50_000
	ctx.EmaDelta = 50_000
	ctx.PctOutbound = 0.9
	ctx.InboundFee = 0
	ctx.SinkRiskScore = 0.4
	ctx.DeltaThreshold = 2.0

	_, inbound := evaluateFeeRules(ctx)
	if inbound == nil || inbound.RuleID != "H2_adaptive_inbound_fee_fill" {
		t.Fatalf("inbound = %+v, want H2 fill", inbound)
	}
	// step = clamp(25 * 50_000/100_000, 1, 50) = 12
	if *inbound.InboundFee != 12 {
		t.Fatalf("H2 fill inbound = %d, want 12", *inbound.InboundFee)
	}

	ctx.PctOutbound = 0.1
	ctx.InboundFee = 40
	ctx.MinFee = 10
	_, inbound = evaluateFeeRules(ctx)
	if inbound == nil || inbound.RuleID != "H2_adaptive_inbound_fee_drain" {
		t.Fatalf("inbound = %+v, want H2 drain", inbound)
	}
	if *inbound.InboundFee != 28 {
		t.Fatalf("H2 drain inbound = %d, want 28", *inbound.InboundFee)
	}
}

func TestRuleH2DrainFloorsAtNegatedMinFee(t *testing.T) {
	ctx := quietContext()
	ctx.EmaBlended = 10_000
	ctx.PrevEmaBlended = 50_000
	ctx.EmaDelta = -40_000
	ctx.PctOutbound = 0.05
	ctx.InboundFee = 0
	ctx.SinkRiskScore = 0.1
	ctx.MinFee = 20

	result := ruleH2AdaptiveInboundFee(ctx)
	if result == nil {
		t.Fatalf("H2 drain did not fire")
	}
	if *result.InboundFee != -20 {
		t.Fatalf("H2 drain inbound = %d, want -20 (floored at -min_fee)", *result.InboundFee)
	}
}

func TestSkipFlagsVetoDirections(t *testing.T) {
	ctx := quietContext()
	ctx.Vol = 0
	ctx.Fee = 200
	ctx.MinFee = 100
	ctx.MaxFee = 200
	ctx.EmaBlended = 30_000
	ctx.PrevEmaBlended = 50_000
	ctx.SkipOutbound = true

	outbound, _ := evaluateFeeRules(ctx)
	if outbound != nil {
		t.Fatalf("skip_outbound did not veto: %+v", outbound)
	}

	ctx = quietContext()
	ctx.SinkRiskScore = 0.6
	ctx.EmaBlended = 200_000
	ctx.PrevEmaBlended = 100_000
	ctx.SkipInbound = true

	_, inbound := evaluateFeeRules(ctx)
	if inbound != nil {
		t.Fatalf("skip_inbound did not veto: %+v", inbound)
	}
}

// TestEvaluateFeeRulesRandomisedSafety fuzzes the context and asserts the
// arbitration invariants hold regardless of input: winners always change
// their direction, vetoed directions stay nil, and the winner's weight is
// maximal among firing rules.
func TestEvaluateFeeRulesRandomisedSafety(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		ctx := &ruleContext{
			Alias:             "acinq",
			Vol:               rng.Int63n(2_000_000),
			VolInt:            rng.Int63n(100_000),
			Revenue:           rng.Int63n(2_000) - 100,
			EmaBlended:        rng.Float64() * 1_000_000,
			PrevEmaBlended:    rng.Float64() * 1_000_000,
			EmaDelta:          rng.Int63n(1_000_000) - 500_000,
			RevEmaBlended:     rng.Float64() * 2_000,
			PrevRevEmaBlended: rng.Float64() * 2_000,
			RevDelta:          rng.Int63n(2_000) - 1_000,
			LastDailyVol:      rng.Int63n(2_000_000),
			LastSuccessfulFee: rng.Intn(2_000),
			Fee:               rng.Intn(2_500),
			MinFee:            rng.Intn(1_000),
			MaxFee:            rng.Intn(2_500),
			InboundFee:        rng.Intn(400) - 200,
			FeeBumpStreak:     rng.Intn(12),
			ZeroEmaCount:      rng.Intn(15),
			Role:              []string{RoleSink, RoleTap, RoleBalanced}[rng.Intn(3)],
			DaysSinceFlip:     rng.Intn(10),
			SinkRatio:         rng.Float64() * 10,
			SinkDelta:         rng.Float64()*2 - 1,
			SinkRiskScore:     rng.Float64(),
			EmaFromTarget:     rng.Int63n(1_000_000) - 250_000,
			DeltaThreshold:    0.8 + rng.Float64()*2,
			RevenueThreshold:  1.0,
			PctOutbound:       rng.Float64(),
			SkipOutbound:      rng.Intn(4) == 0,
			SkipInbound:       rng.Intn(4) == 0,
			HtlcStats: htlc.Stats{
				Hour: htlc.WindowStats{FailRate: rng.Float64(), Fails: rng.Intn(100)},
				Day:  htlc.WindowStats{FailRate: rng.Float64()},
			},
			Cfg: testEngineConfig(),
		}

		outbound, inbound := evaluateFeeRules(ctx)

		if ctx.SkipOutbound && outbound != nil {
			t.Fatalf("iteration %d: outbound veto ignored: %+v", i, outbound)
		}
		if ctx.SkipInbound && inbound != nil {
			t.Fatalf("iteration %d: inbound veto ignored: %+v", i, inbound)
		}
		if outbound != nil && outbound.NewMin == ctx.MinFee && outbound.NewMax == ctx.MaxFee {
			t.Fatalf("iteration %d: outbound winner %s proposes no change", i, outbound.RuleID)
		}
		if inbound != nil {
			if inbound.InboundFee == nil {
				t.Fatalf("iteration %d: inbound winner %s has no inbound fee", i, inbound.RuleID)
			}
			if *inbound.InboundFee == ctx.InboundFee {
				t.Fatalf("iteration %d: inbound winner %s proposes no change", i, inbound.RuleID)
			}
		}
	}
}
