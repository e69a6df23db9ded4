package htlc

import "time"

// WindowStats are per-peer HTLC outcome rates over one trailing window.
type WindowStats struct {
	Total          int     `json:"total"`
	Fails          int     `json:"fails"`
	FailRate       float64 `json:"fail_rate"`
	Successes      int     `json:"successes"`
	LocalFails     int     `json:"local_fails"`
	LocalFailRate  float64 `json:"local_fail_rate"`
	RemoteFails    int     `json:"remote_fails"`
	RemoteFailRate float64 `json:"remote_fail_rate"`
}

// Stats holds the two tracked windows.
type Stats struct {
	Hour WindowStats `json:"3600"`
	Day  WindowStats `json:"86400"`
}

// GroupByPeer buckets correlated records per peer key using the supplied
// short-channel-id index built from known channel lists. Records whose
// outgoing channel is unknown are dropped.
func GroupByPeer(records []Record, scidToPeer map[string]string) map[string][]Record {
	grouped := make(map[string][]Record)
	for _, rec := range records {
		scid := string(rec.Fwd.OutgoingChannelID)
		if scid == "" {
			continue
		}
		peer, ok := scidToPeer[scid]
		if !ok {
			continue
		}
		grouped[peer] = append(grouped[peer], rec)
	}
	return grouped
}

// ComputeStats derives 1h/24h outcome rates for one peer's records.
func ComputeStats(records []Record, now time.Time) Stats {
	return Stats{
		Hour: computeWindow(records, now, time.Hour),
		Day:  computeWindow(records, now, 24*time.Hour),
	}
}

func computeWindow(records []Record, now time.Time, window time.Duration) WindowStats {
	start := now.Unix() - int64(window/time.Second)
	stats := WindowStats{}
	for i := range records {
		rec := &records[i]
		if rec.Ts < start {
			continue
		}
		stats.Total++
		if !rec.IsFail() {
			stats.Successes++
			continue
		}
		stats.Fails++
		if rec.FailureSource() == "local" {
			stats.LocalFails++
		} else {
			stats.RemoteFails++
		}
	}
	denom := stats.Total
	if denom == 0 {
		denom = 1
	}
	stats.FailRate = float64(stats.Fails) / float64(denom)
	stats.LocalFailRate = float64(stats.LocalFails) / float64(denom)
	stats.RemoteFailRate = float64(stats.RemoteFails) / float64(denom)
	return stats
}
