package htlc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

type loggerLike interface {
	Printf(format string, v ...any)
}

type pendingKey struct {
	chanID flexID
	htlcID flexID
}

// Correlator resolves every forward attempt from the raw event stream
// exactly once: a matching terminal failure yields a correlated fail
// record, an unmatched terminal failure with a link-failure annotation
// yields a solo local-fail record, and an attempt that outlives the expiry
// window is assumed settled and emitted as a synthetic success. Resolved
// records go to the durable buffer; the pending map is the only in-memory
// state and is bounded by the expiry window.
type Correlator struct {
	buffer  *Buffer
	expiry  time.Duration
	poll    time.Duration
	logger  loggerLike
	pending map[pendingKey]pendingEntry
}

type pendingEntry struct {
	event StreamEvent
	ts    int64
}

func NewCorrelator(buffer *Buffer, expiry, poll time.Duration, logger loggerLike) *Correlator {
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	return &Correlator{
		buffer:  buffer,
		expiry:  expiry,
		poll:    poll,
		logger:  logger,
		pending: make(map[pendingKey]pendingEntry),
	}
}

// Offer processes one raw stream line. Malformed lines are skipped.
func (c *Correlator) Offer(line []byte, now time.Time) {
	var event StreamEvent
	if err := json.Unmarshal(line, &event); err != nil {
		c.logger.Printf("htlc correlator: skipping malformed line: %v", err)
		return
	}
	if event.IncomingChannelID == "" && event.IncomingHtlcID == "" && event.EventType == "" {
		return
	}

	key := pendingKey{chanID: event.IncomingChannelID, htlcID: event.IncomingHtlcID}
	ts := event.Time(now)

	switch {
	case event.isForward():
		c.pending[key] = pendingEntry{event: event, ts: ts}

	case event.isTerminalFailure():
		if entry, ok := c.pending[key]; ok {
			delete(c.pending, key)
			c.emit(Record{Fwd: entry.event, Result: event, Ts: ts})
		} else if len(event.LinkFailEvent) > 0 {
			// Solo link failures are our own node rejecting the HTLC.
			c.emit(Record{Fwd: event, Result: StreamEvent{}, Ts: ts})
		}
	}
}

// Sweep evicts pending attempts older than the expiry window as synthetic
// successes.
func (c *Correlator) Sweep(now time.Time) {
	cutoff := now.Unix() - int64(c.expiry/time.Second)
	for key, entry := range c.pending {
		if entry.ts > cutoff {
			continue
		}
		delete(c.pending, key)
		c.emit(Record{
			Fwd:    entry.event,
			Result: StreamEvent{EventType: "SUCCESS"},
			Ts:     entry.ts,
		})
	}
}

// PendingCount reports the number of unresolved attempts.
func (c *Correlator) PendingCount() int {
	return len(c.pending)
}

func (c *Correlator) emit(rec Record) {
	if err := c.buffer.Append(rec); err != nil {
		c.logger.Printf("htlc correlator: buffer append failed: %v", err)
	}
}

// Run tails the raw stream file from its current end, blocking on the next
// available line with a short sleep when the producer is idle. It returns
// when the context is cancelled.
func (c *Correlator) Run(ctx context.Context, streamPath string) error {
	f, err := os.Open(streamPath)
	if err != nil {
		return fmt.Errorf("htlc correlator: open stream: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("htlc correlator: seek: %w", err)
	}

	reader := bufio.NewReader(f)
	var partial []byte
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		line, err := reader.ReadBytes('\n')
		if err == nil {
			full := line
			if len(partial) > 0 {
				full = append(partial, line...)
				partial = nil
			}
			c.Offer(full, time.Now())
			c.Sweep(time.Now())
			continue
		}
		// Incomplete tail line: hold it until the producer finishes writing.
		if len(line) > 0 {
			partial = append(partial, line...)
		}
		c.Sweep(time.Now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
