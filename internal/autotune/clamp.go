package autotune

import "github.com/btx-lnd/lazy-lnd/internal/config"

// enforcePolicy clamps a proposed fee set to the per-channel range and the
// global inbound bounds, then mirrors the accepted ceiling and inbound fee
// back into the peer state. Postconditions: 0 <= min <= max, inbound within
// the configured bounds, and a negative inbound never larger in magnitude
// than the ceiling. Corrections are logged with before/after values.
func enforcePolicy(section string, fees FeeSet, state *PeerState, cfg *config.Config, logger loggerLike) FeeSet {
	before := fees
	ch := cfg.Channels[section]

	if ch.MinRangePpm != nil {
		fees.MinFeePpm = maxInt(*ch.MinRangePpm, fees.MinFeePpm)
	}
	fees.MinFeePpm = maxInt(0, fees.MinFeePpm)

	if ch.MaxRangePpm != nil {
		fees.MaxFeePpm = minInt(*ch.MaxRangePpm, fees.MaxFeePpm)
	}
	fees.MaxFeePpm = maxInt(fees.MinFeePpm, fees.MaxFeePpm)
	floor := minInt(int(float64(fees.MaxFeePpm)*cfg.Fees.MinMaxRatio), fees.MaxFeePpm)
	if fees.MinFeePpm < floor {
		fees.MinFeePpm = floor
	}

	// A configured inbound floor only raises a non-negative inbound fee;
	// subsidies are left alone.
	if ch.InboundFeePpm != nil && *ch.InboundFeePpm > fees.InboundFeePpm && fees.InboundFeePpm >= 0 {
		fees.InboundFeePpm = *ch.InboundFeePpm
	}
	fees.InboundFeePpm = clampInt(fees.InboundFeePpm, cfg.InboundFees.MinFeePpm, cfg.InboundFees.MaxFeePpm)
	if fees.InboundFeePpm < 0 && -fees.InboundFeePpm > fees.MaxFeePpm {
		fees.InboundFeePpm = -fees.MaxFeePpm
	}

	state.Fee = fees.MaxFeePpm
	state.InboundFee = fees.InboundFeePpm

	if fees != before && logger != nil {
		logger.Printf("policy enforced for %s: min %d->%d max %d->%d inbound %d->%d",
			section,
			before.MinFeePpm, fees.MinFeePpm,
			before.MaxFeePpm, fees.MaxFeePpm,
			before.InboundFeePpm, fees.InboundFeePpm)
	}
	return fees
}
