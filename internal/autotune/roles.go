package autotune

import (
	"time"

	"github.com/btx-lnd/lazy-lnd/internal/config"
)

// classifyPeer labels a peer by directional dominance: inbound exceeding
// outbound by more than ratio makes a sink, the reverse makes a tap.
func classifyPeer(totalIn, totalOut int64, ratio float64) string {
	in := float64(totalIn)
	out := float64(totalOut)
	switch {
	case in > out*ratio:
		return RoleSink
	case out > in*ratio:
		return RoleTap
	default:
		return RoleBalanced
	}
}

// updateRoleState records a role observation. A flip appends to the history
// and resets the day counter; holding the same role advances the counter at
// most once per UTC calendar day.
func updateRoleState(state *PeerState, role string, now time.Time) {
	today := now.UTC().Format("2006-01-02")
	if role != state.Role {
		state.RoleFlips = append(state.RoleFlips, RoleFlip{Timestamp: today, Role: role})
		state.DaysSinceFlip = 0
		state.Role = role
		state.LastUpdated = today
		return
	}
	if state.LastUpdated != today {
		state.DaysSinceFlip++
		state.LastUpdated = today
	}
}

// applyRoleOverride debounces the sink-risk score into a sticky role
// override: OverrideCycles consecutive extreme scores latch the override,
// the same count of neutral scores clears it.
func applyRoleOverride(state *PeerState, score float64, r *config.RiskConfig) {
	switch {
	case score >= r.OverrideHigh:
		state.SinkHighCount++
		state.SinkLowCount = 0
		state.SinkNeutralCount = 0
	case score <= r.OverrideLow:
		state.SinkLowCount++
		state.SinkHighCount = 0
		state.SinkNeutralCount = 0
	default:
		state.SinkNeutralCount++
		state.SinkHighCount = 0
		state.SinkLowCount = 0
	}

	if state.SinkHighCount >= r.OverrideCycles {
		state.RoleOverride = RoleSink
	} else if state.SinkLowCount >= r.OverrideCycles {
		state.RoleOverride = RoleTap
	} else if state.SinkNeutralCount >= r.OverrideCycles && state.RoleOverride != "" {
		state.RoleOverride = ""
	}
}

// EffectiveRole is the override when latched, otherwise the observed role.
func (s *PeerState) EffectiveRole() string {
	if s.RoleOverride != "" {
		return s.RoleOverride
	}
	if s.Role == "" {
		return RoleBalanced
	}
	return s.Role
}
