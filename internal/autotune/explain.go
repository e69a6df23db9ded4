package autotune

import (
	"github.com/btx-lnd/lazy-lnd/internal/config"
)

// buildRuleContext snapshots a peer's state into the read-only context the
// rule engine evaluates.
func buildRuleContext(section string, state *PeerState, vol, volInt, revenue int64, skipOutbound, skipInbound bool, cfg *config.Config) *ruleContext {
	return &ruleContext{
		Alias:             section,
		Vol:               vol,
		VolInt:            volInt,
		Revenue:           revenue,
		PrevEmaBlended:    state.PrevEmaBlended,
		EmaBlended:        state.EmaBlended,
		EmaDelta:          state.EmaDelta,
		PrevRevEmaBlended: state.PrevRevEmaBlended,
		RevEmaBlended:     state.RevEmaBlended,
		RevDelta:          state.RevDelta,
		LastDailyVol:      state.LastDailyVol,
		LastSuccessfulFee: state.LastSuccessfulFee,
		Fee:               state.Fee,
		MinFee:            state.MinFee,
		MaxFee:            state.MaxFee,
		InboundFee:        state.InboundFee,
		FeeBumpStreak:     state.FeeBumpStreak,
		ZeroEmaCount:      state.ZeroEmaCount,
		HtlcStats:         state.HtlcStats,
		Role:              state.EffectiveRole(),
		DaysSinceFlip:     state.DaysSinceFlip,
		SinkRatio:         state.SinkRatio,
		SinkDelta:         state.SinkDelta,
		SinkRiskScore:     state.SinkRiskScore,
		EmaFromTarget:     state.EmaFromTarget,
		DeltaThreshold:    dynamicDeltaThreshold(state, &cfg.Thresholds.Delta),
		RevenueThreshold:  cfg.Thresholds.Revenue,
		PctOutbound:       state.PeerOutboundPercent,
		SkipOutbound:      skipOutbound,
		SkipInbound:       skipInbound,
		Cfg:               cfg,
		Channel:           cfg.Channels[section],
	}
}

// RuleVerdict is one rule's result against a peer snapshot, for diagnostics.
type RuleVerdict struct {
	Rule             string `json:"rule"`
	Fired            bool   `json:"fired"`
	Outcome          string `json:"outcome,omitempty"`
	NewMin           int    `json:"new_min,omitempty"`
	NewMax           int    `json:"new_max,omitempty"`
	InboundFee       *int   `json:"inbound_fee,omitempty"`
	Weight           int    `json:"weight,omitempty"`
	CooldownOverride bool   `json:"cooldown_override,omitempty"`
	WinsOutbound     bool   `json:"wins_outbound,omitempty"`
	WinsInbound      bool   `json:"wins_inbound,omitempty"`
}

// ExplainPeer evaluates the whole rule catalogue against the stored state
// of one peer and reports every rule's verdict without applying anything.
// Interval volume and revenue are zero outside a live cycle, so growth
// rules that need fresh flow report as quiet.
func ExplainPeer(section string, state PeerState, cfg *config.Config) []RuleVerdict {
	skipOutbound, skipInbound := htlcSizes(&state, cfg.HTLC.ReserveDeduction, cfg.HTLC.MinCapacity)
	ctx := buildRuleContext(section, &state, state.LastDailyVol, 0, 0, skipOutbound, skipInbound, cfg)

	verdicts := make([]RuleVerdict, 0, len(feeRules))
	for _, rule := range feeRules {
		v := RuleVerdict{Rule: rule.Name}
		if result := rule.Fn(ctx); result != nil {
			v.Fired = true
			v.Outcome = result.RuleID
			v.NewMin = result.NewMin
			v.NewMax = result.NewMax
			v.InboundFee = result.InboundFee
			v.Weight = result.Weight
			v.CooldownOverride = result.CooldownOverride
		}
		verdicts = append(verdicts, v)
	}

	outbound, inbound := evaluateFeeRules(ctx)
	for i := range verdicts {
		if outbound != nil && verdicts[i].Outcome == outbound.RuleID {
			verdicts[i].WinsOutbound = true
		}
		if inbound != nil && verdicts[i].Outcome == inbound.RuleID {
			verdicts[i].WinsInbound = true
		}
	}
	return verdicts
}
