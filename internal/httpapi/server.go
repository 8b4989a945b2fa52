// Package httpapi is the thin HTTP surface over the pipeline: price reads,
// consolidate-on-demand, the intent audit trail, health and metrics. The
// engines do not depend on it.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/treasuryrun/internal/aggregator"
	"github.com/sawpanic/treasuryrun/internal/config"
	"github.com/sawpanic/treasuryrun/internal/metrics"
	"github.com/sawpanic/treasuryrun/internal/persistence"
	"github.com/sawpanic/treasuryrun/internal/pricing"
)

// Consolidator triggers an on-demand aggregation run.
type Consolidator interface {
	Consolidate(ctx context.Context, tokenID string) (pricing.ConsolidatedPrice, error)
}

type Server struct {
	router       *mux.Router
	consolidator Consolidator
	prices       persistence.LastGoodStore
	intents      persistence.IntentStore
}

func NewServer(c Consolidator, prices persistence.LastGoodStore, intents persistence.IntentStore, m *metrics.Registry) *Server {
	s := &Server{
		router:       mux.NewRouter(),
		consolidator: c,
		prices:       prices,
		intents:      intents,
	}
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/price/{token}", s.handlePrice).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/intents", s.handleIntents).Methods(http.MethodGet)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type priceResponse struct {
	TokenID     string          `json:"token_id"`
	Price       string          `json:"price"`
	Decimals    int             `json:"decimals"`
	At          int64           `json:"at"`
	Mode        string          `json:"mode"`
	SourcesUsed []pricing.Quote `json:"sources_used,omitempty"`
}

// handlePrice serves the last-good price; ?refresh=true forces a fresh
// consolidation run first.
func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	tokenID := mux.Vars(r)["token"]

	var cp *pricing.ConsolidatedPrice
	if r.URL.Query().Get("refresh") == "true" {
		fresh, err := s.consolidator.Consolidate(r.Context(), tokenID)
		if err != nil {
			writePriceError(w, tokenID, err)
			return
		}
		cp = &fresh
	} else {
		stored, err := s.prices.Get(r.Context(), tokenID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "price lookup failed"})
			return
		}
		if stored == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no price for token"})
			return
		}
		cp = stored
	}

	writeJSON(w, http.StatusOK, priceResponse{
		TokenID:     cp.TokenID,
		Price:       cp.Price.String(),
		Decimals:    cp.Decimals,
		At:          cp.At,
		Mode:        string(cp.Mode),
		SourcesUsed: cp.SourcesUsed,
	})
}

func writePriceError(w http.ResponseWriter, tokenID string, err error) {
	switch {
	case errors.Is(err, config.ErrConfigMissing):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "token not configured: " + tokenID})
	case errors.Is(err, aggregator.ErrNoPriceAvailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no price available for " + tokenID})
	default:
		log.Error().Err(err).Str("token", tokenID).Msg("consolidate request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "consolidation failed"})
	}
}

type intentResponse struct {
	IdemKey      string `json:"idem_key"`
	RuleID       string `json:"rule_id"`
	TokenID      string `json:"token_id"`
	PriceAtFire  string `json:"price_at_fire"`
	FiredAt      int64  `json:"fired_at"`
	AmountUnits  string `json:"amount_units"`
	From         string `json:"from"`
	To           string `json:"to"`
	Mode         string `json:"mode"`
	Status       string `json:"status"`
	TxHash       string `json:"tx_hash,omitempty"`
	ProposalHash string `json:"proposal_hash,omitempty"`
	Cause        string `json:"cause,omitempty"`
}

func (s *Server) handleIntents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	intents, err := s.intents.List(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "intent listing failed"})
		return
	}
	out := make([]intentResponse, 0, len(intents))
	for _, it := range intents {
		out = append(out, intentResponse{
			IdemKey:      it.IdemKey,
			RuleID:       it.RuleID,
			TokenID:      it.TokenID,
			PriceAtFire:  it.PriceAtFire.String(),
			FiredAt:      it.FiredAt,
			AmountUnits:  it.AmountUnits.String(),
			From:         it.From,
			To:           it.To,
			Mode:         string(it.Mode),
			Status:       string(it.Status),
			TxHash:       it.TxHash,
			ProposalHash: it.ProposalHash,
			Cause:        it.Cause,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"intents": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response encode failed")
	}
}
