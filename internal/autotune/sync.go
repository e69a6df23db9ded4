package autotune

import (
	"github.com/btx-lnd/lazy-lnd/internal/config"
	"github.com/btx-lnd/lazy-lnd/internal/lndclient"
)

// mergeChannels reconciles a peer's stored channel list with the node's
// current view. Channels present in both are refreshed, channels that have
// disappeared become tombstones with zeroed balances, new channels are
// appended. Tombstones are never removed.
func mergeChannels(existing, current []ChannelState) []ChannelState {
	byPoint := make(map[string]ChannelState, len(current))
	for _, c := range current {
		byPoint[c.ChannelPoint] = c
	}

	merged := make([]ChannelState, 0, len(existing)+len(current))
	seen := make(map[string]bool, len(existing))

	for _, old := range existing {
		if cur, ok := byPoint[old.ChannelPoint]; ok {
			cur.Active = true
			merged = append(merged, cur)
			seen[old.ChannelPoint] = true
			continue
		}
		old.LocalBalanceSat = 0
		old.RemoteBalanceSat = 0
		old.CapacitySat = 0
		old.Active = false
		merged = append(merged, old)
	}

	for _, c := range current {
		if !seen[c.ChannelPoint] {
			c.Active = true
			merged = append(merged, c)
		}
	}
	return merged
}

// aggregatePeerStats rolls the channel list up into peer totals.
func aggregatePeerStats(state *PeerState) {
	var capacity, local, remote int64
	for _, c := range state.Channels {
		capacity += c.CapacitySat
		local += c.LocalBalanceSat
		remote += c.RemoteBalanceSat
	}
	state.PeerTotalCapacity = capacity
	state.PeerTotalLocal = local
	state.PeerTotalRemote = remote
	if capacity > 0 {
		state.PeerOutboundPercent = float64(local) / float64(capacity)
	} else {
		state.PeerOutboundPercent = 0
	}
}

func peerChannels(all []lndclient.Channel, nodeID string) []ChannelState {
	var out []ChannelState
	for _, c := range all {
		if c.RemotePubkey != nodeID {
			continue
		}
		out = append(out, ChannelState{
			ChannelPoint:     c.ChannelPoint,
			Scid:             c.Scid,
			ChanID:           c.ChanID,
			CapacitySat:      c.CapacitySat,
			LocalBalanceSat:  c.LocalBalanceSat,
			RemoteBalanceSat: c.RemoteBalanceSat,
			Active:           c.Active,
		})
	}
	return out
}

// syncChannelInfo refreshes every tracked peer's channel list and liquidity
// aggregates from a fresh listchannels snapshot. Peers without a known node
// id are left untouched.
func syncChannelInfo(state State, channels []lndclient.Channel, cfg *config.Config) {
	for section, peer := range state {
		nodeID := peer.NodeID
		if nodeID == "" {
			nodeID = cfg.Channels[section].NodeID
		}
		if nodeID == "" {
			continue
		}
		peer.NodeID = nodeID
		peer.Channels = mergeChannels(peer.Channels, peerChannels(channels, nodeID))
		aggregatePeerStats(peer)
	}
}
