package autotune

import (
	"github.com/btx-lnd/lazy-lnd/internal/config"
	"github.com/btx-lnd/lazy-lnd/internal/htlc"
)

// ruleContext is the read-only snapshot a rule evaluates against. Rules
// never mutate it; each returns a proposal or nil.
type ruleContext struct {
	Alias string

	Vol               int64
	VolInt            int64
	Revenue           int64
	PrevEmaBlended    float64
	EmaBlended        float64
	EmaDelta          int64
	PrevRevEmaBlended float64
	RevEmaBlended     float64
	RevDelta          int64
	LastDailyVol      int64
	LastSuccessfulFee int

	Fee        int
	MinFee     int
	MaxFee     int
	InboundFee int

	FeeBumpStreak int
	ZeroEmaCount  int
	HtlcStats     htlc.Stats

	Role          string
	DaysSinceFlip int

	SinkRatio     float64
	SinkDelta     float64
	SinkRiskScore float64
	EmaFromTarget int64

	DeltaThreshold   float64
	RevenueThreshold float64
	PctOutbound      float64

	SkipOutbound bool
	SkipInbound  bool

	Cfg     *config.Config
	Channel config.ChannelConfig
}

// ruleOutcome is one rule's proposal. InboundFee nil means the rule takes
// no position on the inbound side.
type ruleOutcome struct {
	RuleID           string
	NewMin           int
	NewMax           int
	Weight           int
	CooldownOverride bool
	InboundFee       *int
}

type ruleFn func(ctx *ruleContext) *ruleOutcome

type feeRule struct {
	Name string
	Fn   ruleFn
}

// feeRules in evaluation order. Arbitration is max-by-weight with the
// earlier rule winning ties, so the ordering is part of the contract.
var feeRules = []feeRule{
	{"H1_high_htlc_fail_rate", ruleH1HighHtlcFailRate},
	{"H2_adaptive_inbound_fee", ruleH2AdaptiveInboundFee},
	{"F1_role_flip_freeze", ruleF1RoleFlipFreeze},
	{"F2_tap_surge_boost", ruleF2TapSurgeBoost},
	{"F3_ema_sink_guard", ruleF3EmaSinkGuard},
	{"F4_sink_score_guard", ruleF4SinkScoreGuard},
	{"F5_sink_inbound_tax", ruleF5SinkInboundTax},
	{"F6_inbound_fee_decay", ruleF6InboundFeeDecay},
	{"F7_subsidise_inbound", ruleF7SubsidiseInbound},
	{"A1_bootstrap_low_fee", ruleA1BootstrapLowFee},
	{"A2_incremental_plus_one", ruleA2IncrementalPlusOne},
	{"C1_exponential_bump", ruleC1ExponentialBump},
	{"B1_small_decay", ruleB1SmallDecay},
	{"B2_zero_volume_decay", ruleB2ZeroVolumeDecay},
	{"B3_generic_decay", ruleB3GenericDecay},
	{"D1_negative_delta_decay", ruleD1NegativeDeltaDecay},
	{"E1_zero_ema_exponential_decay", ruleE1ZeroEmaExponentialDecay},
}

// ===== skip checks =====

// feeIncreaseSkip: neither EMA moved more than 1% of its previous value,
// so growth rules stay quiet.
func feeIncreaseSkip(ctx *ruleContext) bool {
	return absFloat(ctx.EmaBlended-ctx.PrevEmaBlended) < 0.01*maxFloat(absFloat(ctx.PrevEmaBlended), 1) &&
		absFloat(ctx.RevEmaBlended-ctx.PrevRevEmaBlended) < 0.01*maxFloat(absFloat(ctx.PrevRevEmaBlended), 1)
}

// feeDecaySkip: fee already at the peer's own floor, or the volume EMA is
// not dropping meaningfully.
func feeDecaySkip(ctx *ruleContext) bool {
	if ctx.Fee <= ctx.MinFee {
		return true
	}
	return ctx.EmaBlended >= ctx.PrevEmaBlended ||
		absFloat(ctx.EmaBlended-ctx.PrevEmaBlended) < 0.01*maxFloat(absFloat(ctx.PrevEmaBlended), 1)
}

func inboundFeeSkip(ctx *ruleContext) bool {
	return absFloat(ctx.EmaBlended-ctx.PrevEmaBlended) < 0.01*maxFloat(absFloat(ctx.PrevEmaBlended), 1)
}

// ===== group A: incremental growth =====

func ruleA1BootstrapLowFee(ctx *ruleContext) *ruleOutcome {
	if feeIncreaseSkip(ctx) {
		return nil
	}
	// Strong EMA either as an established level or as fresh momentum, so a
	// cold channel's first big day still bootstraps.
	strongEma := ctx.EmaBlended > 100_000 || float64(ctx.EmaDelta) > 100_000
	if ctx.MaxFee <= 1 && strongEma && ctx.Vol > ctx.LastDailyVol {
		return &ruleOutcome{RuleID: "A1_bootstrap_low_fee", NewMin: 1, NewMax: 2, Weight: 20}
	}
	return nil
}

func ruleA2IncrementalPlusOne(ctx *ruleContext) *ruleOutcome {
	if feeIncreaseSkip(ctx) {
		return nil
	}
	if ctx.MaxFee < ctx.Cfg.Fees.IncrementPpm &&
		ctx.VolInt > 10_000 &&
		ctx.EmaBlended > 100_000 &&
		ctx.Vol > ctx.LastDailyVol {
		newMax := ctx.Fee + 1
		return &ruleOutcome{RuleID: "A2_incremental_plus_one", NewMin: newMax / 2, NewMax: newMax, Weight: 20}
	}
	return nil
}

// ===== group B: small decays =====

func ruleB1SmallDecay(ctx *ruleContext) *ruleOutcome {
	if feeDecaySkip(ctx) {
		return nil
	}
	if ctx.Fee <= 0 {
		return nil
	}
	if ctx.Fee < ctx.Cfg.Fees.IncrementPpm && ctx.VolInt < 10_000 && ctx.Vol <= ctx.LastDailyVol {
		newMax := maxInt(0, ctx.Fee-1)
		return &ruleOutcome{RuleID: "B1_small_decay", NewMin: newMax / 2, NewMax: newMax, Weight: 40}
	}
	return nil
}

func ruleB2ZeroVolumeDecay(ctx *ruleContext) *ruleOutcome {
	if feeDecaySkip(ctx) {
		return nil
	}
	if ctx.Vol == 0 &&
		ctx.MaxFee > 0 &&
		ctx.MaxFee < ctx.Cfg.Fees.IncrementPpm &&
		ctx.Revenue == 0 &&
		ctx.EmaBlended < 10_000 {
		newMax := maxInt(ctx.Cfg.Fees.MinPpm, ctx.Fee-1)
		return &ruleOutcome{RuleID: "B2_zero_volume_decay", NewMin: newMax / 2, NewMax: newMax, Weight: 35}
	}
	return nil
}

func ruleB3GenericDecay(ctx *ruleContext) *ruleOutcome {
	if feeDecaySkip(ctx) {
		return nil
	}
	if ctx.Vol == 0 {
		newMax := maxInt(ctx.Cfg.Fees.MinPpm, ctx.MaxFee-ctx.Cfg.Fees.IncrementPpm)
		return &ruleOutcome{RuleID: "B3_generic_decay", NewMin: newMax / 2, NewMax: newMax, Weight: 30}
	}
	return nil
}

// ===== group C: exponential growth =====

func ruleC1ExponentialBump(ctx *ruleContext) *ruleOutcome {
	if feeIncreaseSkip(ctx) {
		return nil
	}
	strongGrowth := float64(ctx.EmaDelta) > ctx.EmaBlended*ctx.DeltaThreshold
	if !strongGrowth || ctx.MaxFee >= ctx.Cfg.Fees.MaxPpm || ctx.Revenue <= 0 {
		return nil
	}
	newMax, newMin, _ := exponentialFeeBump(ctx.Fee, ctx.FeeBumpStreak, &ctx.Cfg.Fees)

	// Never bump past 1.5x the last fee that actually routed.
	maxAllowed := ctx.MaxFee
	if ctx.LastSuccessfulFee != 0 {
		maxAllowed = int(float64(ctx.LastSuccessfulFee) * 1.5)
	}
	if newMax > maxAllowed {
		return nil
	}
	return &ruleOutcome{
		RuleID:           "C1_exponential_bump",
		NewMin:           newMin,
		NewMax:           newMax,
		Weight:           100,
		CooldownOverride: true,
	}
}

// ===== group D: reactive decay =====

func ruleD1NegativeDeltaDecay(ctx *ruleContext) *ruleOutcome {
	bigDropV := float64(ctx.EmaDelta) < -ctx.EmaBlended*ctx.DeltaThreshold
	bigDropR := float64(ctx.RevDelta) < -ctx.RevEmaBlended*ctx.RevenueThreshold
	stagnating := ctx.EmaDelta == 0 && ctx.RevDelta == 0 && ctx.EmaBlended == 0 && ctx.RevEmaBlended == 0

	if feeDecaySkip(ctx) {
		return nil
	}
	if (bigDropV && bigDropR) || stagnating {
		newMax := maxInt(ctx.Cfg.Fees.MinPpm, ctx.Fee-ctx.Cfg.Fees.IncrementPpm)
		return &ruleOutcome{RuleID: "D1_negative_delta_decay", NewMin: newMax / 2, NewMax: newMax, Weight: 25}
	}
	return nil
}

// ===== group E: zero-EMA decay =====

func ruleE1ZeroEmaExponentialDecay(ctx *ruleContext) *ruleOutcome {
	if feeDecaySkip(ctx) {
		return nil
	}
	if ctx.ZeroEmaCount > 5 {
		steps := minInt(ctx.ZeroEmaCount, 10)
		newMax := maxInt(ctx.Cfg.Fees.MinPpm, ctx.Fee-steps*ctx.Cfg.Fees.IncrementPpm)
		return &ruleOutcome{RuleID: "E1_zero_ema_exponential_decay", NewMin: newMax / 2, NewMax: newMax, Weight: 20}
	}
	return nil
}

// ===== group F: role-flip and sink stabilisers =====

func ruleF1RoleFlipFreeze(ctx *ruleContext) *ruleOutcome {
	if ctx.DaysSinceFlip < 1 {
		inbound := ctx.InboundFee
		return &ruleOutcome{
			RuleID:     "F1_role_flip_freeze",
			NewMin:     ctx.MinFee,
			NewMax:     ctx.MaxFee,
			Weight:     10,
			InboundFee: &inbound,
		}
	}
	return nil
}

func ruleF2TapSurgeBoost(ctx *ruleContext) *ruleOutcome {
	if ctx.Role == RoleTap &&
		ctx.DaysSinceFlip <= 3 &&
		float64(ctx.EmaDelta) > ctx.EmaBlended*0.05 &&
		ctx.Fee == 0 {
		channelInbound := 0
		if ctx.Channel.InboundFeePpm != nil {
			channelInbound = *ctx.Channel.InboundFeePpm
		}
		inbound := minInt(ctx.InboundFee, channelInbound)
		return &ruleOutcome{RuleID: "F2_tap_surge_boost", NewMin: 0, NewMax: 1, Weight: 85, InboundFee: &inbound}
	}
	return nil
}

// ruleF3EmaSinkGuard fires on a fast-developing sink: heavy inbound
// dominance, small distance to the volume target, and a rapidly rising
// ratio. Pins the floor at 80% of the ceiling.
func ruleF3EmaSinkGuard(ctx *ruleContext) *ruleOutcome {
	if ctx.SinkRatio > 5.0 && ctx.EmaFromTarget < 250_000 && ctx.SinkDelta > 0.5 {
		bump := maxInt(0, ctx.MaxFee)
		return &ruleOutcome{RuleID: "F3_ema_sink_guard", NewMin: int(float64(bump) * 0.8), NewMax: bump, Weight: 70}
	}
	return nil
}

func ruleF4SinkScoreGuard(ctx *ruleContext) *ruleOutcome {
	if ctx.SinkRiskScore < 0.9 {
		return nil
	}
	if ctx.Cfg.SinkGuardDisabled(ctx.Alias) {
		return nil
	}
	if ctx.Fee >= 1000 {
		return nil
	}
	bump := minInt(maxInt(ctx.Fee+ctx.Cfg.Fees.IncrementPpm, 1000), ctx.MaxFee)
	inbound := ctx.InboundFee
	return &ruleOutcome{RuleID: "F4_sink_score_guard", NewMin: bump, NewMax: bump, Weight: 65, InboundFee: &inbound}
}

// ruleF5SinkInboundTax taxes inbound into a draining channel, scaled by
// recent volume so the tax decays on its own as flow dries up.
func ruleF5SinkInboundTax(ctx *ruleContext) *ruleOutcome {
	if inboundFeeSkip(ctx) {
		return nil
	}
	if ctx.SinkRiskScore < 0.5 {
		return nil
	}
	if ctx.Cfg.SinkGuardDisabled(ctx.Alias) || ctx.Cfg.InboundFeesDisabled(ctx.Alias) {
		return nil
	}
	inbound := minInt(int(ctx.EmaBlended/4000), ctx.Cfg.InboundFees.MaxFeePpm)
	if ctx.InboundFee > 0 {
		inbound = minInt(inbound, ctx.InboundFee)
	}
	if inbound == ctx.InboundFee {
		return nil
	}
	return &ruleOutcome{RuleID: "F5_sink_inbound_tax", NewMin: ctx.MinFee, NewMax: ctx.MaxFee, Weight: 55, InboundFee: &inbound}
}

// ruleF6InboundFeeDecay unwinds a positive inbound tax: fully once the
// sink risk clears, otherwise gently with falling volume, never more than
// 15% or 100 ppm per cycle.
func ruleF6InboundFeeDecay(ctx *ruleContext) *ruleOutcome {
	if ctx.InboundFee <= 0 {
		return nil
	}
	if ctx.SinkRiskScore < 0.5 {
		zero := 0
		return &ruleOutcome{RuleID: "F6_inbound_fee_decay", NewMin: ctx.MinFee, NewMax: ctx.MaxFee, Weight: 60, InboundFee: &zero}
	}
	const decayThreshold = 100_000
	if ctx.EmaBlended < decayThreshold {
		scale := maxFloat(ctx.EmaBlended/decayThreshold, 0.85)
		target := int(float64(ctx.InboundFee) * scale)
		decayed := maxInt(ctx.InboundFee-100, target)
		if decayed < ctx.InboundFee {
			return &ruleOutcome{RuleID: "F6_inbound_fee_decay", NewMin: ctx.MinFee, NewMax: ctx.MaxFee, Weight: 55, InboundFee: &decayed}
		}
	}
	return nil
}

// ruleF7SubsidiseInbound pays for inbound on drained, low-risk channels
// and clears a stale subsidy once outbound recovers.
func ruleF7SubsidiseInbound(ctx *ruleContext) *ruleOutcome {
	if inboundFeeSkip(ctx) {
		return nil
	}
	if ctx.SinkRiskScore >= 0.5 {
		return nil
	}
	var inbound int
	if ctx.PctOutbound > 0.1 {
		if ctx.InboundFee >= 0 {
			return nil
		}
		inbound = 0
	} else {
		inbound = -ctx.MinFee
	}
	return &ruleOutcome{RuleID: "F7_subsidise_inbound", NewMin: ctx.MinFee, NewMax: ctx.MaxFee, Weight: 50, InboundFee: &inbound}
}

// ===== group H: HTLC-driven rules =====

// ruleH1HighHtlcFailRate prices down congestion: a persistently failing
// channel gets its fee stepped up, harder when the 24h rate confirms the
// 1h rate.
func ruleH1HighHtlcFailRate(ctx *ruleContext) *ruleOutcome {
	h := &ctx.Cfg.HTLC
	rate1h := ctx.HtlcStats.Hour.FailRate
	rate24h := ctx.HtlcStats.Day.FailRate
	fails1h := ctx.HtlcStats.Hour.Fails

	if rate1h <= h.FailShortTerm || fails1h <= h.FailShortTermThreshold {
		return nil
	}
	weight := 90
	if rate24h > h.FailLongTerm {
		weight = 110
	}
	newMax := minInt(nextFeeStep(ctx.MaxFee, ctx.Cfg.Fees.IncrementPpm), ctx.Cfg.Fees.MaxPpm)
	return &ruleOutcome{
		RuleID:           "H1_high_htlc_fail_rate",
		NewMin:           newMax / 2,
		NewMax:           newMax,
		Weight:           weight,
		CooldownOverride: true,
	}
}

func nextFeeStep(current, increment int) int {
	if current < increment {
		return minInt(current+1, increment)
	}
	return current + increment
}

// ruleH2AdaptiveInboundFee blends outbound share, sink risk, and EMA
// momentum into one inbound-fee controller: penalise inbound while the
// channel fills, subsidise it while the channel drains.
func ruleH2AdaptiveInboundFee(ctx *ruleContext) *ruleOutcome {
	if inboundFeeSkip(ctx) {
		return nil
	}
	in := &ctx.Cfg.InboundFees
	maxPositive := in.MaxFeePpm
	if ctx.Channel.MaxFeePpm != nil && *ctx.Channel.MaxFeePpm != 0 {
		maxPositive = *ctx.Channel.MaxFeePpm
	}
	minNegative := in.MinFeePpm
	if ctx.Channel.MinFeePpm != nil && *ctx.Channel.MinFeePpm != 0 {
		minNegative = *ctx.Channel.MinFeePpm
	}

	maxStep := 2 * in.IncrementPpm
	emaBlended := maxFloat(ctx.EmaBlended, 1)
	percentDelta := absFloat(float64(ctx.EmaDelta)) / emaBlended
	step := clampInt(int(float64(in.IncrementPpm)*percentDelta), 1, maxStep)

	filling := ctx.PctOutbound > in.SinkPct ||
		((ctx.SinkRiskScore > in.RiskHigh || float64(ctx.EmaDelta) > emaBlended*ctx.DeltaThreshold) &&
			ctx.PctOutbound > in.TapPct)
	if filling {
		inbound := minInt(ctx.InboundFee+step, maxPositive)
		if inbound != ctx.InboundFee {
			return &ruleOutcome{RuleID: "H2_adaptive_inbound_fee_fill", NewMin: ctx.MinFee, NewMax: ctx.MaxFee, Weight: 70, InboundFee: &inbound}
		}
	}

	draining := ctx.PctOutbound <= in.TapPct ||
		ctx.SinkRiskScore < in.RiskLow ||
		float64(ctx.EmaDelta) < -emaBlended*ctx.DeltaThreshold
	if draining {
		inbound := maxInt(maxInt(ctx.InboundFee-step, minNegative), -ctx.MinFee)
		if inbound != ctx.InboundFee {
			return &ruleOutcome{RuleID: "H2_adaptive_inbound_fee_drain", NewMin: ctx.MinFee, NewMax: ctx.MaxFee, Weight: 70, InboundFee: &inbound}
		}
	}
	return nil
}

// ===== arbitration =====

// evaluateFeeRules runs every rule and arbitrates the two directions
// independently: highest weight wins, earlier registration breaks ties.
// Direction skip flags veto the whole side regardless of what fired.
func evaluateFeeRules(ctx *ruleContext) (outbound, inbound *ruleOutcome) {
	for _, rule := range feeRules {
		result := rule.Fn(ctx)
		if result == nil {
			continue
		}
		if result.InboundFee != nil && *result.InboundFee != ctx.InboundFee {
			if inbound == nil || result.Weight > inbound.Weight {
				inbound = result
			}
		}
		if result.NewMin != ctx.MinFee || result.NewMax != ctx.MaxFee {
			if outbound == nil || result.Weight > outbound.Weight {
				outbound = result
			}
		}
	}
	if ctx.SkipOutbound {
		outbound = nil
	}
	if ctx.SkipInbound {
		inbound = nil
	}
	return outbound, inbound
}
