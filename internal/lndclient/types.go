package lndclient

import "time"

// ForwardingEvent is one settled forward from the node's switch, amounts in
// satoshis. Alias fields may carry the node's "unable to lookup peer"
// placeholder; attribution discards those.
type ForwardingEvent struct {
	Timestamp    time.Time
	PeerAliasIn  string
	PeerAliasOut string
	AmtInSat     int64
	AmtOutSat    int64
	FeeSat       int64
}

// Channel is a currently open channel as reported by the node.
type Channel struct {
	RemotePubkey     string
	ChannelPoint     string
	ChanID           string
	Scid             string
	CapacitySat      int64
	LocalBalanceSat  int64
	RemoteBalanceSat int64
	Active           bool
}

// NodeInfo is the subset of getinfo used for health checks.
type NodeInfo struct {
	Alias          string
	IdentityPubkey string
	SyncedToChain  bool
	NumChannels    int
}
