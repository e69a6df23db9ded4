package server

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/btx-lnd/lazy-lnd/internal/autotune"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"ok": true}

	if s.lnd != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if info, err := s.lnd.GetInfo(ctx); err != nil {
			health["lnd_error"] = err.Error()
		} else {
			health["node_alias"] = info.Alias
			health["synced_to_chain"] = info.SyncedToChain
			health["num_channels"] = info.NumChannels
		}
	}
	if s.sinkErr != "" {
		health["change_sink_error"] = s.sinkErr
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

// peerSummary is the list-view projection of one peer group.
type peerSummary struct {
	Section       string  `json:"section"`
	Alias         string  `json:"alias,omitempty"`
	Role          string  `json:"role,omitempty"`
	RoleOverride  string  `json:"role_override,omitempty"`
	Fee           int     `json:"fee"`
	MinFee        int     `json:"min_fee"`
	MaxFee        int     `json:"max_fee"`
	InboundFee    int     `json:"inbound_fee"`
	EmaBlended    float64 `json:"ema_blended"`
	SinkRiskScore float64 `json:"sink_risk_score"`
	FeeBumpStreak int     `json:"fee_bump_streak"`
	CooldownUntil string  `json:"cooldown_until,omitempty"`
}

func (s *Server) handlePeersGet(w http.ResponseWriter, r *http.Request) {
	states := s.svc.PeerStates()

	sections := make([]string, 0, len(states))
	for section := range states {
		sections = append(sections, section)
	}
	sort.Strings(sections)

	items := make([]peerSummary, 0, len(sections))
	for _, section := range sections {
		ps := states[section]
		item := peerSummary{
			Section:       section,
			Alias:         ps.Alias,
			Role:          ps.Role,
			RoleOverride:  ps.RoleOverride,
			Fee:           ps.Fee,
			MinFee:        ps.MinFee,
			MaxFee:        ps.MaxFee,
			InboundFee:    ps.InboundFee,
			EmaBlended:    ps.EmaBlended,
			SinkRiskScore: ps.SinkRiskScore,
			FeeBumpStreak: ps.FeeBumpStreak,
		}
		if ps.CooldownUntil != nil {
			item.CooldownUntil = ps.CooldownUntil.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handlePeerGet(w http.ResponseWriter, r *http.Request) {
	section := chi.URLParam(r, "peer")
	states := s.svc.PeerStates()
	ps, ok := states[section]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown peer")
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handleChangesGet(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	changes, err := s.svc.RecentChanges(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if changes == nil {
		changes = []autotune.ChangeEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": changes})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DryRun  bool `json:"dry_run"`
		Observe bool `json:"observe"`
	}
	if r.ContentLength > 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	if err := s.svc.Run(ctx, req.DryRun, req.Observe, "manual"); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
