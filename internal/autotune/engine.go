package autotune

import (
	"time"

	"github.com/btx-lnd/lazy-lnd/internal/config"
	"github.com/btx-lnd/lazy-lnd/internal/htlc"
	"github.com/btx-lnd/lazy-lnd/internal/lndclient"
)

// adjustChannelFees runs the cooldown-gated fee decision for one peer and
// applies the winning proposal to the state: escape hatch first, then the
// rule engine, then failure-backoff and streak bookkeeping. Returns the
// prior fees, the (possibly unchanged) new fees, and the rule ids that won.
func adjustChannelFees(state *PeerState, section string, metrics cycleMetrics, now time.Time, observe, skipOutbound, skipInbound bool, cfg *config.Config, logger loggerLike) (FeeSet, FeeSet, []string) {
	vol := maxInt64(metrics.Vol, 0)
	revenue := maxInt64(metrics.Revenue, 0)

	minFee, maxFee := state.MinFee, state.MaxFee
	fee := state.Fee

	if metrics.VolInt > 0 {
		state.LastSuccessfulFee = fee
	}

	// No proposal means no change: cooldown and observe cycles must be
	// strict no-ops on the applied range.
	newMin, newMax := minFee, maxFee
	inboundFee := state.InboundFee
	newInbound := inboundFee
	oldFees := FeeSet{MinFeePpm: minFee, MaxFeePpm: maxFee, InboundFeePpm: inboundFee}

	cooldown := state.CooldownUntil != nil && !now.After(*state.CooldownUntil)
	cooldownOverride := false
	outboundFired := false
	inboundUpdated := false
	feeBumpApplied := false
	var ruleIDs []string

	if !observe && !cooldown {
		if state.HtlcFailCount >= cfg.HTLC.FailedHTLCThreshold {
			// Escape hatch: failures are piling up faster than the rule
			// cadence can react, bump directly.
			newMax, newMin, _ = exponentialFeeBump(maxFee, state.FeeBumpStreak, &cfg.Fees)
			state.HtlcFailCount = 0
			logger.Printf("%s: htlc fail count triggered direct bump to %d/%d", state.Alias, newMin, newMax)
		} else {
			ctx := buildRuleContext(section, state, vol, metrics.VolInt, revenue, skipOutbound, skipInbound, cfg)

			outbound, inbound := evaluateFeeRules(ctx)

			if outbound != nil {
				newMin, newMax = outbound.NewMin, outbound.NewMax
				ruleIDs = append(ruleIDs, outbound.RuleID)
				outboundFired = true
				cooldownOverride = outbound.CooldownOverride
				logger.Printf("%s: fee change to %d/%d via %s", state.Alias, newMin, newMax, outbound.RuleID)
			} else {
				newMin, newMax = minFee, maxFee
			}
			if inbound != nil {
				newInbound = *inbound.InboundFee
				ruleIDs = append(ruleIDs, inbound.RuleID)
				inboundUpdated = true
				logger.Printf("%s: inbound fee set to %dppm via %s", state.Alias, newInbound, inbound.RuleID)
			}
			feeBumpApplied = newMax > maxFee
		}
	}

	// Computed fees below zero are a correctness bug upstream; clamp and
	// shout rather than propagate.
	if newMax < 0 || newMin < 0 {
		logger.Printf("ERROR %s: computed fee was negative %d/%d, reset to 0", state.Alias, newMin, newMax)
		newMax, newMin = 0, 0
	}

	failCooldown := false
	if feeBumpApplied && state.FeeIncreaseFailedAt != nil &&
		now.Sub(*state.FeeIncreaseFailedAt) < time.Duration(cfg.Timing.FeeBackoffHours)*time.Hour {
		if cooldownOverride {
			logger.Printf("%s: fee bump to %d/%d kept despite failure backoff (override)", state.Alias, newMin, newMax)
		} else {
			logger.Printf("%s: fee bump to %d/%d suppressed, in failure backoff", state.Alias, newMin, newMax)
			failCooldown = true
		}
	}

	outboundUpdated := outboundFired
	if (newMin != minFee || newMax != maxFee) && !failCooldown {
		outboundUpdated = true
	}
	if failCooldown && !cooldownOverride {
		outboundUpdated = false
	}

	// Streak bookkeeping only runs when this cycle was allowed to act on
	// the outbound side at all.
	if !observe && !cooldown && !skipOutbound {
		backoffWindow := time.Duration(cfg.Timing.FailedBumpFlagHours) * time.Hour
		switch {
		case !feeBumpApplied && state.FeeBumpAttemptedAt != nil && now.Sub(*state.FeeBumpAttemptedAt) < backoffWindow:
			failedAt := now
			state.FeeIncreaseFailedAt = &failedAt
			state.FeeBumpStreak = 0
			logger.Printf("%s: bump attempt marked failed, streak reset", state.Alias)
		case (!feeBumpApplied && newMax == maxFee) || failCooldown:
			state.FeeBumpStreak = 0
		case feeBumpApplied:
			attempted := now.Add(-time.Minute)
			state.FeeBumpAttemptedAt = &attempted
			state.FeeBumpStreak++
		}
	}

	if outboundUpdated {
		state.Fee = newMax
		period := 59 * time.Minute
		if newMax > cfg.Fees.IncrementPpm {
			period = time.Duration(cfg.Timing.CooldownHours*60-1) * time.Minute
		}
		until := now.Add(period)
		state.CooldownUntil = &until
	} else {
		newMin, newMax = minFee, maxFee
	}

	if inboundUpdated {
		state.InboundFee = newInbound
	} else {
		newInbound = inboundFee
	}

	// Zero-EMA streak: a dead channel also invalidates the sink-score
	// debounce counters.
	if state.EmaBlended <= 1000 {
		state.ZeroEmaCount++
		state.SinkHighCount = 0
		state.SinkLowCount = 0
		state.SinkNeutralCount = 0
	} else {
		state.ZeroEmaCount = 0
	}

	state.LastDailyVol = vol

	return oldFees, FeeSet{MinFeePpm: newMin, MaxFeePpm: newMax, InboundFeePpm: newInbound}, ruleIDs
}

// recommendPeer runs the full per-peer pipeline for one cycle: metrics,
// rolling stats, sink risk, role debounce, HTLC sizing, fee rules, policy
// clamp. Returns the recommendation, the updated state, and a change event
// when any rule fired.
func recommendPeer(section, alias string, prev PeerState, dayEvents, intervalEvents []lndclient.ForwardingEvent, stats htlc.Stats, now time.Time, observe bool, cfg *config.Config, logger loggerLike) (Recommendation, PeerState, *ChangeEvent) {
	state := prev.Clone()
	state.Alias = alias
	state.HtlcStats = stats
	state.HtlcFailCount = stats.Hour.Fails

	metrics, state := processMetrics(state, dayEvents, intervalEvents, alias, cfg, now)
	updateRollingStats(&state)

	state.SinkRiskScore = computeSinkRiskScore(&state, &cfg.Risk)
	applyRoleOverride(&state, state.SinkRiskScore, &cfg.Risk)

	skipOutbound, skipInbound := htlcSizes(&state, cfg.HTLC.ReserveDeduction, cfg.HTLC.MinCapacity)

	oldFees, newFees, ruleIDs := adjustChannelFees(&state, section, metrics, now, observe, skipOutbound, skipInbound, cfg, logger)
	newFees = enforcePolicy(section, newFees, &state, cfg, logger)
	state.MinFee = newFees.MinFeePpm
	state.MaxFee = newFees.MaxFeePpm

	logger.Printf("%s: fwd=%d ema=%d (delta %+d) rev=%d fee=%d->%d in=%d role=%s sink=%.2f",
		alias, metrics.Vol, int64(state.EmaBlended), state.EmaDelta, metrics.Revenue,
		oldFees.MaxFeePpm, newFees.MaxFeePpm, newFees.InboundFeePpm,
		state.EffectiveRole(), state.SinkRiskScore)

	var event *ChangeEvent
	if len(ruleIDs) > 0 {
		event = &ChangeEvent{
			Ts:             now.UTC().Format(time.RFC3339),
			Peer:           alias,
			Rules:          ruleIDs,
			OldFees:        oldFees,
			NewFees:        newFees,
			VolBefore:      metrics.Vol,
			RevBefore:      metrics.Revenue,
			OutboundAction: feeAction(oldFees.MaxFeePpm, newFees.MaxFeePpm),
			InboundAction:  feeAction(oldFees.InboundFeePpm, newFees.InboundFeePpm),
		}
	}

	rec := Recommendation{
		MinFeePpm:     newFees.MinFeePpm,
		MaxFeePpm:     newFees.MaxFeePpm,
		InboundFeePpm: newFees.InboundFeePpm,
		MaxHtlcMsat:   state.MaxHtlcMsat,
	}
	return rec, state, event
}

// newPeerState seeds state for a section seen for the first time. Fees
// start at the configured policy bounds so the decay rules work the new
// channel down rather than the growth rules working it up blind.
func newPeerState(section string, cfg *config.Config) *PeerState {
	ch := cfg.Channels[section]
	return &PeerState{
		Alias:  ch.Peer,
		NodeID: ch.NodeID,
		Fee:    cfg.Fees.MaxPpm,
		MinFee: cfg.Fees.MinPpm,
		MaxFee: cfg.Fees.MaxPpm,
	}
}
