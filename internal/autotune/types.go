package autotune

import (
	"math"
	"time"

	"github.com/btx-lnd/lazy-lnd/internal/htlc"
)

// Peer liquidity roles.
const (
	RoleSink     = "sink"
	RoleTap      = "tap"
	RoleBalanced = "balanced"
)

type loggerLike interface {
	Printf(format string, v ...any)
}

// RollingStats is a Welford accumulator for one tracked series.
type RollingStats struct {
	N    int     `json:"n"`
	Mean float64 `json:"mean"`
	M2   float64 `json:"M2"`
	Std  float64 `json:"std"`
}

// Update folds one sample into the running mean/std.
func (r *RollingStats) Update(x float64) {
	r.N++
	delta := x - r.Mean
	r.Mean += delta / float64(r.N)
	delta2 := x - r.Mean
	r.M2 += delta * delta2
	if r.N > 1 {
		r.Std = math.Sqrt(r.M2 / float64(r.N))
	} else {
		r.Std = 0
	}
}

// RoleFlip is one recorded role transition. Timestamp is a UTC date string;
// the history is append-only.
type RoleFlip struct {
	Timestamp string `json:"timestamp"`
	Role      string `json:"role"`
}

// ChannelState is one channel under a peer group. Closed channels are kept
// as tombstones with zeroed balances and Active=false, never removed.
type ChannelState struct {
	ChannelPoint     string `json:"channel_point"`
	Scid             string `json:"scid,omitempty"`
	ChanID           string `json:"chan_id,omitempty"`
	CapacitySat      int64  `json:"capacity"`
	LocalBalanceSat  int64  `json:"local_balance"`
	RemoteBalanceSat int64  `json:"remote_balance"`
	Active           bool   `json:"active"`
}

// PeerState is the persisted per-peer-group record. The pipeline takes it
// by value and returns an updated copy; nothing mutates a stored state in
// place.
type PeerState struct {
	Alias  string `json:"alias,omitempty"`
	NodeID string `json:"node_id,omitempty"`

	Fee               int `json:"fee"`
	MinFee            int `json:"min_fee"`
	MaxFee            int `json:"max_fee"`
	InboundFee        int `json:"inbound_fee"`
	LastSuccessfulFee int `json:"last_successful_fee"`

	TotalInSats  int64 `json:"total_in_sats"`
	TotalOutSats int64 `json:"total_out_sats"`
	LastDailyVol int64 `json:"last_daily_vol"`

	Ema1d             float64 `json:"ema_1d"`
	Ema5d             float64 `json:"ema_5d"`
	Ema7d             float64 `json:"ema_7d"`
	EmaBlended        float64 `json:"ema_blended"`
	PrevEmaBlended    float64 `json:"prev_ema_blended"`
	EmaDelta          int64   `json:"ema_delta"`
	RevenueEma1d      float64 `json:"revenue_ema_1d"`
	RevenueEma5d      float64 `json:"revenue_ema_5d"`
	RevenueEma7d      float64 `json:"revenue_ema_7d"`
	RevEmaBlended     float64 `json:"rev_ema_blended"`
	PrevRevEmaBlended float64 `json:"prev_rev_ema_blended"`
	RevDelta          int64   `json:"rev_delta"`

	SinkRatio     float64 `json:"sink_ratio"`
	PrevSinkRatio float64 `json:"prev_sink_ratio"`
	SinkDelta     float64 `json:"sink_delta"`
	EmaFromTarget int64   `json:"ema_from"`

	EmaBlendedHistory    RollingStats `json:"ema_blended_history"`
	RevEmaBlendedHistory RollingStats `json:"rev_ema_blended_history"`
	FailRate1hHistory    RollingStats `json:"fail_rate_3600_history"`
	FailRate24hHistory   RollingStats `json:"fail_rate_86400_history"`

	Role          string     `json:"role,omitempty"`
	RoleOverride  string     `json:"role_override,omitempty"`
	RoleFlips     []RoleFlip `json:"role_flips,omitempty"`
	DaysSinceFlip int        `json:"days_since_flip"`
	LastUpdated   string     `json:"last_updated,omitempty"`

	FeeBumpStreak    int `json:"fee_bump_streak"`
	ZeroEmaCount     int `json:"zero_ema_count"`
	SinkHighCount    int `json:"sink_score_high_count"`
	SinkLowCount     int `json:"sink_score_low_count"`
	SinkNeutralCount int `json:"neutral_sink_score_count"`

	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	FeeIncreaseFailedAt *time.Time `json:"fee_increase_failed_at,omitempty"`
	FeeBumpAttemptedAt  *time.Time `json:"fee_bump_attempted_at,omitempty"`

	SinkRiskScore float64    `json:"sink_risk_score"`
	HtlcStats     htlc.Stats `json:"htlc_stats"`
	HtlcFailCount int        `json:"htlc_fail_count"`

	Channels            []ChannelState `json:"channels,omitempty"`
	PeerTotalCapacity   int64          `json:"peer_total_capacity"`
	PeerTotalLocal      int64          `json:"peer_total_local"`
	PeerTotalRemote     int64          `json:"peer_total_remote"`
	PeerOutboundPercent float64        `json:"peer_outbound_percent"`
	MaxHtlcMsat         int64          `json:"max_htlc_msat"`
}

// Clone returns a deep copy safe to mutate within a cycle.
func (s PeerState) Clone() PeerState {
	out := s
	if s.RoleFlips != nil {
		out.RoleFlips = append([]RoleFlip(nil), s.RoleFlips...)
	}
	if s.Channels != nil {
		out.Channels = append([]ChannelState(nil), s.Channels...)
	}
	out.CooldownUntil = cloneTime(s.CooldownUntil)
	out.FeeIncreaseFailedAt = cloneTime(s.FeeIncreaseFailedAt)
	out.FeeBumpAttemptedAt = cloneTime(s.FeeBumpAttemptedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}

// State is the full persisted map, keyed by channel section name.
type State map[string]*PeerState

// FeeSet is a (min, max, inbound) fee triple in ppm.
type FeeSet struct {
	MinFeePpm     int `json:"min_fee_ppm"`
	MaxFeePpm     int `json:"max_fee_ppm"`
	InboundFeePpm int `json:"inbound_fee_ppm"`
}

// Recommendation is the per-peer output handed to the config-writer
// collaborator.
type Recommendation struct {
	MinFeePpm     int   `json:"min_fee_ppm"`
	MaxFeePpm     int   `json:"max_fee_ppm"`
	InboundFeePpm int   `json:"inbound_fee_ppm"`
	MaxHtlcMsat   int64 `json:"max_htlc_msat"`
}

// ChangeEvent is one structured change-log entry.
type ChangeEvent struct {
	Ts             string   `json:"ts"`
	Peer           string   `json:"chan"`
	Rules          []string `json:"rules"`
	OldFees        FeeSet   `json:"old_fees"`
	NewFees        FeeSet   `json:"new_fees"`
	VolBefore      int64    `json:"vol_before"`
	RevBefore      int64    `json:"rev_before"`
	OutboundAction string   `json:"outbound_action"`
	InboundAction  string   `json:"inbound_action"`
}

func feeAction(before, after int) string {
	switch {
	case after < before:
		return "lower"
	case after > before:
		return "raise"
	default:
		return "same"
	}
}
