package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kodax/payment-router/internal/blocklist"
	"github.com/kodax/payment-router/internal/domain/model"
	"github.com/kodax/payment-router/internal/store"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// allowedKinds defines the valid fingerprint kinds for admin API input
// validation.
var allowedKinds = map[model.FingerprintKind]bool{
	model.FingerprintCardNumber: true,
	model.FingerprintEmail:      true,
	model.FingerprintIP:         true,
}

// GuardInvalidator drops a merchant's cached guard toggle after it changes.
// In production this is satisfied by *blocklist.Guard.
type GuardInvalidator interface {
	Invalidate(merchantID string)
}

// AttemptSyncer triggers an on-demand reconciliation sync for one attempt.
// In production this is satisfied by *router.Service, but tests can provide
// a simple fake.
type AttemptSyncer interface {
	Sync(ctx context.Context, attemptID uuid.UUID) (*model.PaymentAttempt, error)
	CancelPolling(attemptID uuid.UUID) bool
}

// ConnectorLister reports which connectors have at least one binding.
type ConnectorLister interface {
	Connectors() []string
}

// Server provides an HTTP-based admin API for operational management:
// blocklist curation, the per-merchant guard toggle, and attempt inspection.
type Server struct {
	blocklistRepo store.BlocklistRepository
	guardCfgRepo  store.GuardConfigRepository
	attemptRepo   store.AttemptRepository
	invalidator   GuardInvalidator
	syncer        AttemptSyncer
	connectors    ConnectorLister
	logger        *slog.Logger
}

// NewServer creates a new admin API server. Optional dependencies are wired
// through ServerOptions and their endpoints return 503 when absent.
func NewServer(
	blocklistRepo store.BlocklistRepository,
	guardCfgRepo store.GuardConfigRepository,
	attemptRepo store.AttemptRepository,
	logger *slog.Logger,
	opts ...ServerOption,
) *Server {
	s := &Server{
		blocklistRepo: blocklistRepo,
		guardCfgRepo:  guardCfgRepo,
		attemptRepo:   attemptRepo,
		logger:        logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

// WithGuardInvalidator sets the guard cache invalidator on the admin server.
func WithGuardInvalidator(gi GuardInvalidator) ServerOption {
	return func(s *Server) { s.invalidator = gi }
}

// WithAttemptSyncer sets the attempt syncer on the admin server.
func WithAttemptSyncer(as AttemptSyncer) ServerOption {
	return func(s *Server) { s.syncer = as }
}

// WithConnectorLister sets the connector lister on the admin server.
func WithConnectorLister(cl ConnectorLister) ServerOption {
	return func(s *Server) { s.connectors = cl }
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/v1/blocklist", s.handleListBlocklist)
	mux.HandleFunc("POST /admin/v1/blocklist", s.handleAddBlocklistEntry)
	mux.HandleFunc("DELETE /admin/v1/blocklist", s.handleDeleteBlocklistEntry)
	mux.HandleFunc("GET /admin/v1/blocklist/toggle", s.handleGetGuardToggle)
	mux.HandleFunc("POST /admin/v1/blocklist/toggle", s.handleSetGuardToggle)
	mux.HandleFunc("GET /admin/v1/attempts/{id}", s.handleGetAttempt)
	mux.HandleFunc("GET /admin/v1/payments/{payment_id}/attempts", s.handleListPaymentAttempts)
	mux.HandleFunc("POST /admin/v1/attempts/{id}/sync", s.handleSyncAttempt)
	mux.HandleFunc("POST /admin/v1/attempts/{id}/cancel-polling", s.handleCancelPolling)
	mux.HandleFunc("GET /admin/v1/connectors", s.handleListConnectors)
	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

// requireMerchantQuery extracts and validates merchant_id from query params.
// Returns false (and writes an error response) if it is missing.
func requireMerchantQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	merchantID := r.URL.Query().Get("merchant_id")
	if merchantID == "" {
		http.Error(w, `{"error":"merchant_id query param required"}`, http.StatusBadRequest)
		return "", false
	}
	return merchantID, true
}

// --- Blocklist endpoints ---

type blocklistEntryResponse struct {
	MerchantID  string `json:"merchant_id"`
	Kind        string `json:"kind"`
	Fingerprint string `json:"fingerprint"`
	CreatedAt   string `json:"created_at"`
}

func (s *Server) handleListBlocklist(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := requireMerchantQuery(w, r)
	if !ok {
		return
	}

	entries, err := s.blocklistRepo.List(r.Context(), merchantID)
	if err != nil {
		s.logger.Error("list blocklist failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	resp := make([]blocklistEntryResponse, len(entries))
	for i, e := range entries {
		resp[i] = blocklistEntryResponse{
			MerchantID:  e.MerchantID,
			Kind:        string(e.Kind),
			Fingerprint: e.Fingerprint,
			CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type addBlocklistEntryRequest struct {
	MerchantID string `json:"merchant_id"`
	Kind       string `json:"kind"`
	// Value is the raw attribute (card number, email, IP); the server derives
	// the fingerprint and never stores the raw value. Fingerprint may be sent
	// instead when the caller already hashed client-side.
	Value       string `json:"value,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

func (s *Server) handleAddBlocklistEntry(w http.ResponseWriter, r *http.Request) {
	var req addBlocklistEntryRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if req.MerchantID == "" || req.Kind == "" {
		http.Error(w, `{"error":"merchant_id and kind are required"}`, http.StatusBadRequest)
		return
	}
	kind := model.FingerprintKind(req.Kind)
	if !allowedKinds[kind] {
		http.Error(w, `{"error":"invalid kind value"}`, http.StatusBadRequest)
		return
	}

	fingerprint := req.Fingerprint
	if fingerprint == "" {
		if req.Value == "" {
			http.Error(w, `{"error":"value or fingerprint is required"}`, http.StatusBadRequest)
			return
		}
		fingerprint = blocklist.FingerprintValue(req.Value)
	}

	entry := &model.BlocklistEntry{
		ID:          uuid.New(),
		MerchantID:  req.MerchantID,
		Kind:        kind,
		Fingerprint: fingerprint,
	}

	if err := s.blocklistRepo.Insert(r.Context(), entry); err != nil {
		s.logger.Error("add blocklist entry failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	s.logger.Info("blocklist entry added via admin API",
		"merchant_id", req.MerchantID,
		"kind", req.Kind,
	)

	writeJSON(w, http.StatusCreated, blocklistEntryResponse{
		MerchantID:  entry.MerchantID,
		Kind:        string(entry.Kind),
		Fingerprint: entry.Fingerprint,
		CreatedAt:   entry.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleDeleteBlocklistEntry(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := requireMerchantQuery(w, r)
	if !ok {
		return
	}
	kind := model.FingerprintKind(r.URL.Query().Get("kind"))
	fingerprint := r.URL.Query().Get("fingerprint")
	if !allowedKinds[kind] || fingerprint == "" {
		http.Error(w, `{"error":"valid kind and fingerprint query params required"}`, http.StatusBadRequest)
		return
	}

	deleted, err := s.blocklistRepo.Delete(r.Context(), merchantID, kind, fingerprint)
	if err != nil {
		s.logger.Error("delete blocklist entry failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(w, `{"error":"entry not found"}`, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// --- Guard toggle endpoints ---

type guardToggleResponse struct {
	MerchantID string `json:"merchant_id"`
	Enabled    bool   `json:"enabled"`
}

func (s *Server) handleGetGuardToggle(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := requireMerchantQuery(w, r)
	if !ok {
		return
	}

	enabled, err := s.guardCfgRepo.IsEnabled(r.Context(), merchantID)
	if err != nil {
		s.logger.Error("get guard toggle failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, guardToggleResponse{MerchantID: merchantID, Enabled: enabled})
}

type setGuardToggleRequest struct {
	MerchantID string `json:"merchant_id"`
	Enabled    *bool  `json:"enabled"`
}

func (s *Server) handleSetGuardToggle(w http.ResponseWriter, r *http.Request) {
	var req setGuardToggleRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.MerchantID == "" || req.Enabled == nil {
		http.Error(w, `{"error":"merchant_id and enabled are required"}`, http.StatusBadRequest)
		return
	}

	if err := s.guardCfgRepo.SetEnabled(r.Context(), req.MerchantID, *req.Enabled); err != nil {
		s.logger.Error("set guard toggle failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	// The guard caches the toggle; flush so the change takes effect now, not
	// at TTL expiry.
	if s.invalidator != nil {
		s.invalidator.Invalidate(req.MerchantID)
	}

	s.logger.Info("blocklist guard toggled via admin API",
		"merchant_id", req.MerchantID,
		"enabled", *req.Enabled,
	)

	writeJSON(w, http.StatusOK, guardToggleResponse{MerchantID: req.MerchantID, Enabled: *req.Enabled})
}

// --- Attempt endpoints ---

type attemptResponse struct {
	ID              string  `json:"id"`
	PaymentID       string  `json:"payment_id"`
	MerchantID      string  `json:"merchant_id"`
	ProfileID       string  `json:"profile_id"`
	Connector       string  `json:"connector"`
	AmountMinor     int64   `json:"amount_minor"`
	Currency        string  `json:"currency"`
	Status          string  `json:"status"`
	ConnectorTxnRef *string `json:"connector_txn_ref,omitempty"`
	RetryCount      int     `json:"retry_count"`
	LastEventAt     *string `json:"last_event_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func attemptToResponse(a *model.PaymentAttempt) attemptResponse {
	resp := attemptResponse{
		ID:              a.ID.String(),
		PaymentID:       a.PaymentID,
		MerchantID:      a.MerchantID,
		ProfileID:       a.ProfileID,
		Connector:       a.Connector,
		AmountMinor:     a.AmountMinor,
		Currency:        a.Currency,
		Status:          a.Status.String(),
		ConnectorTxnRef: a.ConnectorTxnRef,
		RetryCount:      a.RetryCount,
		CreatedAt:       a.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       a.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if a.LastEventAt != nil {
		ts := a.LastEventAt.UTC().Format(time.RFC3339)
		resp.LastEventAt = &ts
	}
	return resp
}

// requireAttemptID parses the {id} path segment as a UUID.
func requireAttemptID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid attempt id"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	id, ok := requireAttemptID(w, r)
	if !ok {
		return
	}

	attempt, err := s.attemptRepo.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("get attempt failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if attempt == nil {
		http.Error(w, `{"error":"attempt not found"}`, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, attemptToResponse(attempt))
}

func (s *Server) handleListPaymentAttempts(w http.ResponseWriter, r *http.Request) {
	paymentID := r.PathValue("payment_id")
	if paymentID == "" {
		http.Error(w, `{"error":"payment_id is required"}`, http.StatusBadRequest)
		return
	}

	attempts, err := s.attemptRepo.ListByPayment(r.Context(), paymentID)
	if err != nil {
		s.logger.Error("list payment attempts failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	resp := make([]attemptResponse, len(attempts))
	for i := range attempts {
		resp[i] = attemptToResponse(&attempts[i])
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSyncAttempt(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		http.Error(w, `{"error":"sync not available"}`, http.StatusServiceUnavailable)
		return
	}

	id, ok := requireAttemptID(w, r)
	if !ok {
		return
	}

	attempt, err := s.syncer.Sync(r.Context(), id)
	if err != nil {
		s.logger.Error("manual sync failed", "error", err, "attempt_id", id)
		http.Error(w, `{"error":"sync failed"}`, http.StatusInternalServerError)
		return
	}

	s.logger.Info("manual sync via admin API", "attempt_id", id, "status", attempt.Status)

	writeJSON(w, http.StatusOK, attemptToResponse(attempt))
}

func (s *Server) handleCancelPolling(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		http.Error(w, `{"error":"sync not available"}`, http.StatusServiceUnavailable)
		return
	}

	id, ok := requireAttemptID(w, r)
	if !ok {
		return
	}

	cancelled := s.syncer.CancelPolling(id)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// --- Connector endpoint ---

func (s *Server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	if s.connectors == nil {
		http.Error(w, `{"error":"connector listing not available"}`, http.StatusServiceUnavailable)
		return
	}

	names := s.connectors.Connectors()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"connectors": names})
}
