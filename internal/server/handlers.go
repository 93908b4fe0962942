// File: internal/server/handlers.go
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/smartdevs17/lending-indexer/internal/models"
	"github.com/smartdevs17/lending-indexer/internal/storage"
	"github.com/smartdevs17/lending-indexer/pkg/utils"
)

const defaultHistoryWindow = 24 * time.Hour

// positionResponse renders balances as decimal strings; JSON numbers lose
// precision above 2^53.
type positionResponse struct {
	UserAddress     string              `json:"user_address"`
	Asset           string              `json:"asset"`
	SuppliedBalance string              `json:"supplied_balance"`
	BorrowedBalance string              `json:"borrowed_balance"`
	IsCollateral    bool                `json:"is_collateral"`
	HealthFactor    decimal.NullDecimal `json:"health_factor"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

func toPositionResponse(p *models.UserPosition) positionResponse {
	return positionResponse{
		UserAddress:     p.UserAddress,
		Asset:           p.Asset,
		SuppliedBalance: p.SuppliedBalance.String(),
		BorrowedBalance: p.BorrowedBalance.String(),
		IsCollateral:    p.IsCollateral,
		HealthFactor:    p.HealthFactor,
		UpdatedAt:       p.UpdatedAt,
	}
}

// healthHandler reports whether storage is reachable
func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	resp := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"version":   s.version,
	}
	if err := s.storage.Ping(); err != nil {
		status, code = "unhealthy", http.StatusServiceUnavailable
		resp["details"] = err.Error()
	}
	resp["status"] = status
	s.writeJSON(w, code, resp)
}

// statusHandler returns indexer, processor and storage statistics
func (s *HTTPServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	storageStats, err := s.storage.GetStorageStats()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve storage stats", err)
		return
	}

	resp := map[string]interface{}{
		"timestamp":       time.Now().UTC(),
		"storage":         storageStats,
		"metrics_enabled": s.config.EnableMetrics,
	}
	if s.indexer != nil {
		resp["indexer"] = s.indexer.Stats()
	}
	if s.processor != nil {
		resp["processor"] = s.processor.GetStats()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// positionsHandler returns a user's positions, or one position with ?asset=
func (s *HTTPServer) positionsHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := s.addressVar(w, r, "address")
	if !ok {
		return
	}

	if assetParam := r.URL.Query().Get("asset"); assetParam != "" {
		if !utils.IsValidAddress(assetParam) {
			s.writeError(w, http.StatusBadRequest, "Invalid asset address", nil)
			return
		}
		position, err := s.storage.GetPosition(r.Context(), user, utils.NormalizeAddress(assetParam))
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Position not found", nil)
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "Failed to retrieve position", err)
			return
		}
		s.writeJSON(w, http.StatusOK, toPositionResponse(position))
		return
	}

	positions, err := s.storage.GetPositionsByUser(r.Context(), user)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve positions", err)
		return
	}
	if len(positions) == 0 {
		s.writeError(w, http.StatusNotFound, "No positions for address", nil)
		return
	}

	out := make([]positionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPositionResponse(p))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":      user,
		"positions": out,
		"total":     len(out),
	})
}

// eventsHandler lists a user's events, newest first
func (s *HTTPServer) eventsHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := s.addressVar(w, r, "address")
	if !ok {
		return
	}

	limit, err := intParam(r, "limit", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid offset", err)
		return
	}

	limit, offset = storage.NormalizePage(limit, offset)

	events, err := s.storage.GetEventsByUser(r.Context(), user, limit, offset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve events", err)
		return
	}
	if events == nil {
		events = []*models.EventRecord{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"limit":  limit,
		"offset": offset,
		"count":  len(events),
	})
}

// marketsHandler returns the latest snapshot of every market
func (s *HTTPServer) marketsHandler(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.storage.GetLatestSnapshots(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve markets", err)
		return
	}
	if snapshots == nil {
		snapshots = []*models.MarketSnapshot{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"markets": snapshots,
		"total":   len(snapshots),
	})
}

// marketHistoryHandler returns snapshots of one market in [from, to]
func (s *HTTPServer) marketHistoryHandler(w http.ResponseWriter, r *http.Request) {
	asset, ok := s.addressVar(w, r, "asset")
	if !ok {
		return
	}
	from, to, ok := s.timeRange(w, r)
	if !ok {
		return
	}

	history, err := s.storage.GetSnapshotsInRange(r.Context(), asset, from, to)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve market history", err)
		return
	}
	if history == nil {
		history = []*models.MarketSnapshot{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset":     asset,
		"from":      from,
		"to":        to,
		"snapshots": history,
		"total":     len(history),
	})
}

// liquidationsHandler returns liquidations in [from, to]
func (s *HTTPServer) liquidationsHandler(w http.ResponseWriter, r *http.Request) {
	from, to, ok := s.timeRange(w, r)
	if !ok {
		return
	}

	records, err := s.storage.GetLiquidationsInRange(r.Context(), from, to)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve liquidations", err)
		return
	}
	if records == nil {
		records = []*models.LiquidationRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"from":         from,
		"to":           to,
		"liquidations": records,
		"total":        len(records),
	})
}

// addressVar reads and normalizes an address path variable, writing a 400
// when it is malformed
func (s *HTTPServer) addressVar(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	raw := mux.Vars(r)[name]
	if !utils.IsValidAddress(raw) {
		s.writeError(w, http.StatusBadRequest, "Invalid address", nil)
		return "", false
	}
	return utils.NormalizeAddress(raw), true
}

// timeRange parses RFC3339 from/to query parameters. The default window is
// the last 24 hours.
func (s *HTTPServer) timeRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	to := time.Now().UTC()
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid 'to' time, expected RFC3339", err)
			return time.Time{}, time.Time{}, false
		}
		to = parsed.UTC()
	}

	from := to.Add(-defaultHistoryWindow)
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid 'from' time, expected RFC3339", err)
			return time.Time{}, time.Time{}, false
		}
		from = parsed.UTC()
	}

	if from.After(to) {
		s.writeError(w, http.StatusBadRequest, "'from' must not be after 'to'", nil)
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, errors.New(name + " must not be negative")
	}
	return v, nil
}
