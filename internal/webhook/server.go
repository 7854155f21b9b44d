package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

const maxPayloadBytes = 1 << 20 // 1 MB

// Server exposes the inbound webhook endpoint. Acknowledgement status is
// distinct from business outcome: a 4xx tells the processor the payload is
// bad and redelivery is pointless; a 5xx asks it to retry.
type Server struct {
	normalizer *Normalizer
	logger     *slog.Logger
}

func NewServer(normalizer *Normalizer, logger *slog.Logger) *Server {
	return &Server{
		normalizer: normalizer,
		logger:     logger.With("component", "webhook-server"),
	}
}

// Handler returns the HTTP handler for webhook deliveries.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/{connector}/{profile}", s.handleDelivery)
	return mux
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	connectorName := r.PathValue("connector")
	profileID := r.PathValue("profile")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, `{"error":"payload too large or unreadable"}`, http.StatusBadRequest)
		return
	}

	result, err := s.normalizer.Process(r.Context(), connectorName, profileID, body, r.Header)
	if err != nil {
		if IsRejection(err) {
			// Business rejection: the delivery is acknowledged as received
			// but refused; redelivering the same payload cannot succeed.
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		s.logger.Error("webhook processing failed",
			"connector", connectorName,
			"error", err,
		)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"outcome": string(result.Outcome),
		"status":  result.Status.String(),
	})
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
