package autotune

import (
	"math"

	"github.com/btx-lnd/lazy-lnd/internal/config"
)

// computeSinkRiskScore scores how likely a peer is to have turned into a
// liquidity sink, in [0, 1]. Outbound balance is the dominant signal; once
// a channel has enough history the score adapts to its own rolling
// mean/std, before that a static threshold set applies. The increment is
// folded into the previous score so the signal ramps rather than jumps.
func computeSinkRiskScore(state *PeerState, r *config.RiskConfig) float64 {
	score := 0.0
	recoverySignals := 0

	pctOut := state.PeerOutboundPercent
	switch {
	case pctOut <= 0.1:
		score += 0.5
	case pctOut <= 0.2:
		score += 0.3
	case pctOut <= 0.3:
		score += 0.15
	case pctOut <= 0.4:
		score += 0.05
	case pctOut >= 0.7:
		score -= 0.5
	}

	emaHist := state.EmaBlendedHistory
	revHist := state.RevEmaBlendedHistory
	failHist := state.FailRate1hHistory
	failRate1h := state.HtlcStats.Hour.FailRate

	if emaHist.N >= r.MinHistory {
		if state.EmaBlended < maxFloat(emaHist.Mean-emaHist.Std, 0) {
			score += 0.2
		}
		if state.RevEmaBlended < maxFloat(revHist.Mean-revHist.Std, 0) {
			score += 0.1
		}
		if failHist.Std > 0 && failRate1h > failHist.Mean+2*failHist.Std {
			score += 0.1
		}
		if state.EmaBlended > emaHist.Mean+emaHist.Std {
			score -= 0.2
			recoverySignals++
		}
		if state.RevEmaBlended > revHist.Mean+revHist.Std {
			score -= 0.2
			recoverySignals++
		}
		if failHist.Std > 0 && failRate1h < maxFloat(failHist.Mean-2*failHist.Std, 0) {
			score -= 0.15
			recoverySignals++
		}
		// Strong recovery across all tracked metrics snaps the score back.
		if recoverySignals >= 3 && score < 0 {
			score = 0
		}
	} else {
		if state.EmaBlended < r.StaticEmaLow && state.EmaDelta < 0 {
			score += 0.4
		} else if state.EmaBlended > r.StaticEmaHigh && state.EmaDelta > 0 {
			score -= 0.2
		}
		if state.RevEmaBlended < r.StaticRevLow && state.RevDelta <= 0 {
			score += 0.3
		} else if state.RevEmaBlended > r.StaticRevHigh && state.RevDelta > 0 {
			score -= 0.15
		}
		if state.ZeroEmaCount >= 1 {
			score += 0.05
		}
		if state.FeeBumpStreak >= 5 {
			score += 0.05
		}
	}

	prev := state.SinkRiskScore
	if score == 0 {
		score = maxFloat(0, prev-r.DecayStep)
	} else {
		score = minFloat(1, prev+score)
	}

	final := math.Round(score*100) / 100
	final = minFloat(1, final)
	return maxFloat(0, final)
}
