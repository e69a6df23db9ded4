package htlc

import (
	"testing"
	"time"
)

func failRecord(scid string, ts int64, local bool) Record {
	rec := Record{Fwd: StreamEvent{OutgoingChannelID: flexID(scid)}, Ts: ts}
	if local {
		rec.Fwd.LinkFailEvent = []byte(`{}`)
	} else {
		rec.Result = StreamEvent{EventType: "FORWARD_FAIL", ForwardFailEvent: []byte(`{}`)}
	}
	return rec
}

func successRecord(scid string, ts int64) Record {
	return Record{
		Fwd:    StreamEvent{OutgoingChannelID: flexID(scid)},
		Result: StreamEvent{EventType: "SUCCESS"},
		Ts:     ts,
	}
}

func TestGroupByPeer(t *testing.T) {
	now := time.Now().Unix()
	records := []Record{
		successRecord("100", now),
		failRecord("100", now, false),
		failRecord("200", now, true),
		successRecord("999", now), // unknown channel
		{Ts: now},                 // no outgoing channel
	}
	index := map[string]string{"100": "acinq", "200": "kraken"}

	grouped := GroupByPeer(records, index)
	if len(grouped) != 2 {
		t.Fatalf("grouped peers = %d, want 2", len(grouped))
	}
	if got := len(grouped["acinq"]); got != 2 {
		t.Fatalf("acinq records = %d, want 2", got)
	}
	if got := len(grouped["kraken"]); got != 1 {
		t.Fatalf("kraken records = %d, want 1", got)
	}
}

func TestComputeStatsWindows(t *testing.T) {
	now := time.Now()
	recent := now.Add(-10 * time.Minute).Unix()
	old := now.Add(-5 * time.Hour).Unix()

	records := []Record{
		failRecord("1", recent, false),
		failRecord("1", recent, true),
		successRecord("1", recent),
		successRecord("1", old),
		failRecord("1", old, false),
	}

	stats := ComputeStats(records, now)

	if stats.Hour.Total != 3 {
		t.Fatalf("Hour.Total = %d, want 3", stats.Hour.Total)
	}
	if stats.Hour.Fails != 2 || stats.Hour.Successes != 1 {
		t.Fatalf("Hour fails/successes = %d/%d, want 2/1", stats.Hour.Fails, stats.Hour.Successes)
	}
	if stats.Hour.LocalFails != 1 || stats.Hour.RemoteFails != 1 {
		t.Fatalf("Hour local/remote = %d/%d, want 1/1", stats.Hour.LocalFails, stats.Hour.RemoteFails)
	}
	if want := 2.0 / 3.0; stats.Hour.FailRate != want {
		t.Fatalf("Hour.FailRate = %v, want %v", stats.Hour.FailRate, want)
	}

	if stats.Day.Total != 5 {
		t.Fatalf("Day.Total = %d, want 5", stats.Day.Total)
	}
	if stats.Day.Fails != 3 {
		t.Fatalf("Day.Fails = %d, want 3", stats.Day.Fails)
	}
}

func TestComputeStatsEmpty(t *testing.T) {
	stats := ComputeStats(nil, time.Now())
	if stats.Hour.FailRate != 0 || stats.Day.FailRate != 0 {
		t.Fatalf("empty stats fail rates = %v/%v, want 0/0", stats.Hour.FailRate, stats.Day.FailRate)
	}
}
