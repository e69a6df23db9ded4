package autotune

import (
	"math"
	"strings"
	"time"

	"github.com/btx-lnd/lazy-lnd/internal/config"
	"github.com/btx-lnd/lazy-lnd/internal/lndclient"
)

// forwardingTotals aggregates one forwarding batch attributed to a peer.
type forwardingTotals struct {
	TotalInSats  int64
	TotalOutSats int64
	TotalFees    int64
}

// parseForwardingBatch attributes events to the peer whose configured alias
// fragment matches case-insensitively as a substring. Events whose alias
// field indicates a failed lookup are discarded.
func parseForwardingBatch(events []lndclient.ForwardingEvent, aliasFragment string) forwardingTotals {
	fragment := strings.ToLower(strings.TrimSpace(aliasFragment))
	totals := forwardingTotals{}
	if fragment == "" {
		return totals
	}
	for _, ev := range events {
		peerIn := strings.ToLower(strings.TrimSpace(ev.PeerAliasIn))
		peerOut := strings.ToLower(strings.TrimSpace(ev.PeerAliasOut))
		if peerIn == "" || peerOut == "" {
			continue
		}
		if strings.Contains(peerIn, "unable to lookup peer") ||
			strings.Contains(peerOut, "unable to lookup peer") {
			continue
		}
		if strings.Contains(peerOut, fragment) {
			totals.TotalOutSats += ev.AmtOutSat
			totals.TotalFees += ev.FeeSat
		} else if strings.Contains(peerIn, fragment) {
			totals.TotalInSats += ev.AmtInSat
		}
	}
	return totals
}

// adaptiveAlpha picks the EMA smoothing weights, first match wins: recent
// role flip, zero-EMA streak, sustained bump streak, balanced default.
func adaptiveAlpha(state *PeerState, a *config.AlphaConfig) (float64, float64, float64) {
	if state.DaysSinceFlip <= a.RoleFlipDays && len(state.RoleFlips) >= a.MinRoleFlips {
		return a.Weighted1d, a.Weighted5d, a.Weighted7d
	}
	if state.ZeroEmaCount >= a.ZeroEmaTrigger {
		return minFloat(a.ZeroEmaMax1d, a.Balanced1d+a.ZeroEma1dBoost),
			minFloat(a.ZeroEmaMax5d, a.Balanced5d+a.ZeroEma5dBoost),
			minFloat(a.ZeroEmaMax7d, a.Balanced7d+a.ZeroEma7dBoost)
	}
	if state.FeeBumpStreak >= a.FeeBumpStreakThreshold {
		return maxFloat(a.FeeBumpMin1d, a.Balanced1d-a.FeeBumpDecay1d),
			maxFloat(a.FeeBumpMin5d, a.Balanced5d-a.FeeBumpDecay5d),
			maxFloat(a.FeeBumpMin7d, a.Balanced7d-a.FeeBumpDecay7d)
	}
	return a.Balanced1d, a.Balanced5d, a.Balanced7d
}

// dynamicDeltaThreshold derives the growth sensitivity: the base threshold
// lowered after role flips, large recent deltas, and sustained streaks,
// raised for early streaks and dead channels, clamped to [MinDelta, MaxDelta].
func dynamicDeltaThreshold(state *PeerState, d *config.DeltaConfig) float64 {
	base := d.BaseDelta

	if state.DaysSinceFlip <= d.RoleFlipDays {
		base -= d.RoleFlipBonus
	}
	if absFloat(float64(state.EmaDelta)) > d.HighEmaDeltaThreshold ||
		absFloat(float64(state.RevDelta)) > d.HighRevDeltaThreshold {
		base -= d.HighDeltaBonus
	}
	streak := state.FeeBumpStreak
	if streak >= d.MidStreakMin && streak <= d.MidStreakMax {
		base -= d.MidStreakBonus
	}
	if streak >= d.MidStreakMax+1 {
		base -= d.HighStreakBonus
	}
	if streak != 0 && streak <= d.EarlyStreakMax {
		base += d.EarlyStreakPenalty
	}
	if state.ZeroEmaCount >= d.ZeroEmaCountThreshold {
		base += d.ZeroEmaPenalty
	}

	if base < d.MinDelta {
		base = d.MinDelta
	}
	if base > d.MaxDelta {
		base = d.MaxDelta
	}
	return math.Round(base*10000) / 10000
}

// cycleMetrics carries one cycle's raw and smoothed observations into the
// fee-adjustment stage.
type cycleMetrics struct {
	Vol        int64
	Revenue    int64
	VolInt     int64
	RevenueInt int64
}

// processMetrics folds the 24h and short-interval forwarding batches into
// the peer's EMAs, deltas, and role state. Returns the cycle metrics and
// the updated copy of the state.
func processMetrics(state PeerState, dayEvents, intervalEvents []lndclient.ForwardingEvent, aliasFragment string, cfg *config.Config, now time.Time) (cycleMetrics, PeerState) {
	day := parseForwardingBatch(dayEvents, aliasFragment)
	interval := parseForwardingBatch(intervalEvents, aliasFragment)

	vol := day.TotalOutSats
	revenue := day.TotalFees
	state.TotalInSats = day.TotalInSats
	state.TotalOutSats = day.TotalOutSats

	// Distance from the sink EMA target, for the sink guard.
	state.EmaFromTarget = cfg.Thresholds.SinkEmaTarget - int64(state.EmaBlended)

	inTotal := maxInt64(state.TotalInSats, 1)
	outTotal := maxInt64(state.TotalOutSats, 1)
	ratio := float64(inTotal) / float64(outTotal)
	prevRatio := state.PrevSinkRatio
	if prevRatio == 0 {
		prevRatio = ratio
	}
	state.SinkRatio = ratio
	state.SinkDelta = ratio - prevRatio
	state.PrevSinkRatio = ratio

	role := classifyPeer(day.TotalInSats, day.TotalOutSats, cfg.Thresholds.RoleRatio)
	if vol > 0 || revenue > 0 {
		updateRoleState(&state, role, now)
	}

	alpha1d, alpha5d, alpha7d := adaptiveAlpha(&state, &cfg.Alpha)

	x := float64(vol)
	ema1d := state.Ema1d + alpha1d*(x-state.Ema1d)
	ema5d := state.Ema5d + alpha5d*(x-state.Ema5d)
	ema7d := state.Ema7d + alpha7d*(x-state.Ema7d)

	rev := float64(revenue)
	revEma1d := state.RevenueEma1d + alpha1d*(rev-state.RevenueEma1d)
	revEma5d := state.RevenueEma5d + alpha5d*(rev-state.RevenueEma5d)
	revEma7d := state.RevenueEma7d + alpha7d*(rev-state.RevenueEma7d)

	state.PrevEmaBlended = state.EmaBlended
	state.PrevRevEmaBlended = state.RevEmaBlended

	state.Ema1d, state.Ema5d, state.Ema7d = ema1d, ema5d, ema7d
	state.RevenueEma1d, state.RevenueEma5d, state.RevenueEma7d = revEma1d, revEma5d, revEma7d

	state.EmaBlended = (ema1d + ema5d + ema7d) / 3
	state.RevEmaBlended = (revEma1d + revEma5d + revEma7d) / 3
	state.EmaDelta = vol - int64(state.EmaBlended)
	state.RevDelta = revenue - int64(state.RevEmaBlended)

	return cycleMetrics{
		Vol:        vol,
		Revenue:    revenue,
		VolInt:     interval.TotalOutSats,
		RevenueInt: interval.TotalFees,
	}, state
}

// updateRollingStats feeds the tracked series into their Welford
// accumulators.
func updateRollingStats(state *PeerState) {
	state.EmaBlendedHistory.Update(state.EmaBlended)
	state.RevEmaBlendedHistory.Update(state.RevEmaBlended)
	state.FailRate1hHistory.Update(state.HtlcStats.Hour.FailRate)
	state.FailRate24hHistory.Update(state.HtlcStats.Day.FailRate)
}

// htlcSizes derives the advertised max-HTLC and per-direction skip flags
// from the peer's aggregate liquidity. The channel reserve is deducted from
// outbound before sizing.
func htlcSizes(state *PeerState, reserveDeduction, minCapacity float64) (skipOutbound, skipInbound bool) {
	skipOutbound = state.PeerOutboundPercent < minCapacity
	skipInbound = (1 - state.PeerOutboundPercent) < minCapacity

	reserveMsat := int64(float64(state.PeerTotalCapacity) * 1000 * reserveDeduction)
	outboundMsat := state.PeerTotalLocal * 1000
	state.MaxHtlcMsat = maxInt64(0, outboundMsat-reserveMsat)
	return skipOutbound, skipInbound
}

// ===== utils =====

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
