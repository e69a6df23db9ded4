package htlc

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// flexID decodes the node's uint64 identifiers, which show up both as JSON
// strings and bare numbers depending on the producer.
type flexID string

func (v *flexID) UnmarshalJSON(raw []byte) error {
	trimmed := bytes.Trim(bytes.TrimSpace(raw), `"`)
	if string(trimmed) == "null" {
		*v = ""
		return nil
	}
	*v = flexID(trimmed)
	return nil
}

func (v flexID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(v))
}

// StreamEvent is one raw record from the node's HTLC event stream. Only the
// fields the correlator keys and classifies on are typed; payloads ride
// along untouched.
type StreamEvent struct {
	EventType         string          `json:"event_type,omitempty"`
	IncomingChannelID flexID          `json:"incoming_channel_id,omitempty"`
	IncomingHtlcID    flexID          `json:"incoming_htlc_id,omitempty"`
	OutgoingChannelID flexID          `json:"outgoing_channel_id,omitempty"`
	TimestampNs       flexID          `json:"timestamp_ns,omitempty"`
	ForwardEvent      json.RawMessage `json:"forward_event,omitempty"`
	ForwardFailEvent  json.RawMessage `json:"forward_fail_event,omitempty"`
	LinkFailEvent     json.RawMessage `json:"link_fail_event,omitempty"`
	Failure           json.RawMessage `json:"failure,omitempty"`
}

// Time derives the event time from timestamp_ns, falling back to now.
func (e *StreamEvent) Time(now time.Time) int64 {
	ns, err := strconv.ParseInt(string(e.TimestampNs), 10, 64)
	if err != nil || ns <= 0 {
		return now.Unix()
	}
	return ns / int64(time.Second)
}

func (e *StreamEvent) isForward() bool {
	return e.EventType == "FORWARD" && len(e.ForwardEvent) > 0
}

func (e *StreamEvent) isTerminalFailure() bool {
	switch e.EventType {
	case "FORWARD_FAIL", "FINAL":
		return true
	}
	return len(e.ForwardFailEvent) > 0 || len(e.LinkFailEvent) > 0 || len(e.Failure) > 0
}

// Record is one correlated HTLC outcome as persisted in the durable buffer:
// the forward attempt, its terminal result (empty for solo local failures,
// synthetic SUCCESS for expired attempts), and the resolution time.
type Record struct {
	Fwd    StreamEvent `json:"fwd"`
	Result StreamEvent `json:"result"`
	Ts     int64       `json:"ts"`
}

// FailureSource classifies a failed record: "local" when the failure
// annotation sits on the attempt side, "remote" when it sits on the result.
func (r *Record) FailureSource() string {
	if len(r.Fwd.LinkFailEvent) > 0 {
		return "local"
	}
	if len(r.Result.ForwardFailEvent) > 0 {
		return "remote"
	}
	if len(r.Result.LinkFailEvent) > 0 {
		return "local"
	}
	return "remote"
}

// IsFail reports whether the record resolved as a failure.
func (r *Record) IsFail() bool {
	return len(r.Fwd.LinkFailEvent) > 0 || len(r.Result.ForwardFailEvent) > 0
}
