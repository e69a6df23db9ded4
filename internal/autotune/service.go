package autotune

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/btx-lnd/lazy-lnd/internal/config"
	"github.com/btx-lnd/lazy-lnd/internal/htlc"
	"github.com/btx-lnd/lazy-lnd/internal/lndclient"
)

// nodeClient is the slice of the LND surface the engine consumes.
type nodeClient interface {
	ForwardingHistory(ctx context.Context, start, end time.Time) ([]lndclient.ForwardingEvent, error)
	ListChannels(ctx context.Context) ([]lndclient.Channel, error)
}

type stateStore interface {
	Load() State
	Save(state State) error
}

// ErrNoForwardingData aborts a cycle whose 24h window came back empty:
// with nothing to attribute, every peer would look dead and decay.
var ErrNoForwardingData = errors.New("no forwarding events in the day window")

// htlcSource feeds correlated HTLC outcomes into the per-peer stats.
type htlcSource interface {
	LoadRecent(now time.Time, window time.Duration) ([]htlc.Record, error)
	Prune(now time.Time, window time.Duration) (int, error)
}

// Status is the service snapshot served over the API.
type Status struct {
	Running   bool   `json:"running"`
	LastRunAt string `json:"last_run_at,omitempty"`
	NextRunAt string `json:"next_run_at,omitempty"`
	LastError string `json:"last_error,omitempty"`
	Peers     int    `json:"peers"`
}

// Service schedules and runs the fee-adjustment cycle over every managed
// peer group.
type Service struct {
	cfg    *config.Config
	lnd    nodeClient
	store  stateStore
	htlc   htlcSource
	logger loggerLike
	now    func() time.Time

	mu        sync.Mutex
	started   bool
	stop      chan struct{}
	running   bool
	lastRunAt time.Time
	nextRunAt time.Time
	lastError string
	peerCount int
	subs      map[chan ChangeEvent]struct{}
}

func NewService(cfg *config.Config, lnd nodeClient, store stateStore, source htlcSource, logger loggerLike) *Service {
	return &Service{
		cfg:    cfg,
		lnd:    lnd,
		store:  store,
		htlc:   source,
		logger: logger,
		now:    time.Now,
		subs:   map[chan ChangeEvent]struct{}{},
	}
}

func (s *Service) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	s.mu.Unlock()

	go s.loop()
}

func (s *Service) Stop() {
	s.mu.Lock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.started = false
	s.mu.Unlock()
}

func (s *Service) loop() {
	for {
		interval := s.cfg.Interval()
		now := s.now()

		s.mu.Lock()
		base := s.lastRunAt
		s.mu.Unlock()
		next := now
		if !base.IsZero() {
			next = base.Add(interval)
		}
		jitter := time.Duration(rand.Int63n(int64(interval/10)+1)) - time.Duration(int64(interval/20))
		next = next.Add(jitter)
		if next.Before(now.Add(time.Second)) {
			next = now.Add(time.Second)
		}
		s.mu.Lock()
		s.nextRunAt = next
		s.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
			if err := s.Run(context.Background(), false, false, "scheduled"); err != nil {
				s.logger.Printf("autotune: scheduled run failed: %v", err)
			}
		}
	}
}

// Subscribe returns a buffered feed of applied fee changes.
func (s *Service) Subscribe() chan ChangeEvent {
	ch := make(chan ChangeEvent, 50)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Service) Unsubscribe(ch chan ChangeEvent) {
	s.mu.Lock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
	s.mu.Unlock()
}

func (s *Service) broadcast(evt ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := Status{
		Running:   s.running,
		LastError: s.lastError,
		Peers:     s.peerCount,
	}
	if !s.lastRunAt.IsZero() {
		status.LastRunAt = s.lastRunAt.UTC().Format(time.RFC3339)
	}
	if !s.nextRunAt.IsZero() {
		status.NextRunAt = s.nextRunAt.UTC().Format(time.RFC3339)
	}
	return status
}

// PeerStates returns a deep copy of the persisted state for read-only
// consumers.
func (s *Service) PeerStates() map[string]PeerState {
	state := s.store.Load()
	out := make(map[string]PeerState, len(state))
	for section, ps := range state {
		out[section] = ps.Clone()
	}
	return out
}

func (s *Service) setLastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastError = err.Error()
		return
	}
	s.lastError = ""
}

// Run executes one full cycle: fetch forwarding history, sync channels,
// compute HTLC stats, and pass every configured peer group through the
// pipeline. dryRun skips the recommendation and change-log outputs; observe
// additionally freezes fee decisions inside the engine while metrics keep
// accruing. A failed 24h history fetch aborts the cycle; interval history
// and channel listing degrade per-concern.
func (s *Service) Run(ctx context.Context, dryRun, observe bool, reason string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("autotune already running")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.lastRunAt = s.now()
		s.mu.Unlock()
	}()

	now := s.now()
	s.logger.Printf("autotune: cycle start (%s)", reason)

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout())
	dayEvents, err := s.lnd.ForwardingHistory(fetchCtx, now.Add(-24*time.Hour), now)
	cancel()
	if err != nil {
		s.setLastError(err)
		return err
	}
	if len(dayEvents) == 0 {
		s.setLastError(ErrNoForwardingData)
		return ErrNoForwardingData
	}

	fetchCtx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout())
	intervalEvents, err := s.lnd.ForwardingHistory(fetchCtx, now.Add(-s.cfg.Interval()), now)
	cancel()
	if err != nil {
		s.logger.Printf("autotune: interval history fetch failed, continuing without: %v", err)
		intervalEvents = nil
	}

	state := s.store.Load()
	for section := range s.cfg.Channels {
		if _, ok := state[section]; !ok {
			state[section] = newPeerState(section, s.cfg)
		}
	}

	fetchCtx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout())
	channels, err := s.lnd.ListChannels(fetchCtx)
	cancel()
	if err != nil {
		s.logger.Printf("autotune: channel list failed, skipping balance sync: %v", err)
	} else {
		syncChannelInfo(state, channels, s.cfg)
	}

	statsByPeer := s.htlcStatsByPeer(state, now)

	sections := make([]string, 0, len(s.cfg.Channels))
	for section := range s.cfg.Channels {
		sections = append(sections, section)
	}
	sort.Strings(sections)

	recommendations := make(map[string]Recommendation, len(sections))
	var events []ChangeEvent
	for _, section := range sections {
		prev := state[section]
		rec, updated, event, err := s.recommendOne(section, *prev, dayEvents, intervalEvents, statsByPeer[section], now, observe)
		if err != nil {
			s.logger.Printf("autotune: %s: cycle skipped: %v", section, err)
			continue
		}
		state[section] = &updated
		recommendations[section] = rec
		if event != nil {
			events = append(events, *event)
		}
	}

	if !dryRun {
		if err := s.writeRecommendations(recommendations, now); err != nil {
			s.logger.Printf("autotune: recommendations write failed: %v", err)
		}
		if err := s.appendChangeLog(events); err != nil {
			s.logger.Printf("autotune: change log append failed: %v", err)
		}
		for _, evt := range events {
			s.broadcast(evt)
		}
	}

	if err := s.store.Save(state); err != nil {
		s.setLastError(err)
		return err
	}

	if s.htlc != nil {
		if _, err := s.htlc.Prune(now, 24*time.Hour); err != nil {
			s.logger.Printf("autotune: htlc buffer prune failed: %v", err)
		}
	}

	s.mu.Lock()
	s.peerCount = len(state)
	s.mu.Unlock()
	s.setLastError(nil)
	s.logger.Printf("autotune: cycle done, %d peers, %d changes", len(sections), len(events))
	return nil
}

// recommendOne isolates one peer's pipeline so a panic in a single group
// cannot take down the whole cycle.
func (s *Service) recommendOne(section string, prev PeerState, dayEvents, intervalEvents []lndclient.ForwardingEvent, stats htlc.Stats, now time.Time, observe bool) (rec Recommendation, updated PeerState, event *ChangeEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &peerPanicError{section: section, value: r}
		}
	}()
	alias := s.cfg.Channels[section].Peer
	rec, updated, event = recommendPeer(section, alias, prev, dayEvents, intervalEvents, stats, now, observe, s.cfg, s.logger)
	return rec, updated, event, nil
}

type peerPanicError struct {
	section string
	value   any
}

func (e *peerPanicError) Error() string {
	return "panic in peer pipeline for " + e.section
}

// htlcStatsByPeer buckets the recent correlated HTLC records into per-section
// outcome stats, using each section's known short channel ids as the index.
func (s *Service) htlcStatsByPeer(state State, now time.Time) map[string]htlc.Stats {
	out := make(map[string]htlc.Stats)
	if s.htlc == nil {
		return out
	}
	records, err := s.htlc.LoadRecent(now, 24*time.Hour)
	if err != nil {
		s.logger.Printf("autotune: htlc buffer read failed: %v", err)
		return out
	}
	scidToPeer := make(map[string]string)
	for section, ps := range state {
		for _, ch := range ps.Channels {
			if ch.Scid != "" {
				scidToPeer[ch.Scid] = section
			}
			if ch.ChanID != "" {
				scidToPeer[ch.ChanID] = section
			}
		}
	}
	for section, recs := range htlc.GroupByPeer(records, scidToPeer) {
		out[section] = htlc.ComputeStats(recs, now)
	}
	return out
}

// recommendationsFile is the on-disk shape consumed by the policy applier.
type recommendationsFile struct {
	GeneratedAt string                    `json:"generated_at"`
	Peers       map[string]Recommendation `json:"peers"`
}

func (s *Service) writeRecommendations(recs map[string]Recommendation, now time.Time) error {
	path := s.cfg.Engine.RecommendationsFile
	if path == "" {
		return nil
	}
	payload := recommendationsFile{
		GeneratedAt: now.UTC().Format(time.RFC3339),
		Peers:       recs,
	}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Service) appendChangeLog(events []ChangeEvent) error {
	path := s.cfg.Engine.ChangeLogFile
	if path == "" || len(events) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, evt := range events {
		if err := enc.Encode(evt); err != nil {
			return err
		}
	}
	return nil
}

// RecentChanges reads back the tail of the NDJSON change log, newest last.
func (s *Service) RecentChanges(limit int) ([]ChangeEvent, error) {
	path := s.cfg.Engine.ChangeLogFile
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var all []ChangeEvent
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var evt ChangeEvent
		if err := dec.Decode(&evt); err != nil {
			break
		}
		all = append(all, evt)
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}
