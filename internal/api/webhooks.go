package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/reconciler"
	"reward-ledger-go/internal/store"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const signatureHeader = "X-Signature"

// BatchProcessor reconciles normalized events
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, events []models.ExternalPurchaseEvent) []models.ProcessResult
}

type webhookResponse struct {
	Results []models.ProcessResult `json:"results"`
}

// handleWebhook verifies the signature, normalizes the payload through the
// source's adapter and reconciles every event. Any retryable result turns the
// response into a 503 so the network redelivers; already credited events
// are no-ops on redelivery.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	status := s.serveWebhook(w, r, source)
	s.metrics.ObserveWebhook(source, strconv.Itoa(status))
}

func (s *Server) serveWebhook(w http.ResponseWriter, r *http.Request, source string) int {
	adapter, ok := s.adapters.Get(source)
	secret, hasSecret := s.secrets[source]
	if !ok || !hasSecret {
		writeJSONError(w, http.StatusNotFound, store.MessageNotFound)
		return http.StatusNotFound
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, store.MessageInvalidRequest)
		return http.StatusBadRequest
	}

	if !VerifySignature(secret, body, r.Header.Get(signatureHeader)) {
		zap.L().Warn("Webhook signature mismatch",
			zap.String("source", source),
			zap.String("remote", r.RemoteAddr))
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return http.StatusUnauthorized
	}

	ctx := models.WithDeliveryContext(r.Context(), &models.DeliveryContext{
		Source:     source,
		Path:       "webhook",
		RequestId:  chimw.GetReqID(r.Context()),
		ReceivedAt: s.now().UTC(),
	})

	events, err := adapter.Normalize(ctx, body)
	if err != nil {
		zap.L().Warn("Webhook payload rejected",
			zap.String("source", source),
			zap.Error(err))
		if errors.Is(err, store.ErrValidation) || !store.IsRetryable(err) {
			writeJSONError(w, http.StatusBadRequest, store.MessageInvalidRequest)
			return http.StatusBadRequest
		}
		writeJSONError(w, http.StatusServiceUnavailable, store.MessageUnavailable)
		return http.StatusServiceUnavailable
	}

	results := s.reconciler.ProcessBatch(ctx, events)
	status := http.StatusOK
	if reconciler.AnyRetryable(results) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, webhookResponse{Results: results})
	return status
}

// Sign returns the header value for payload under secret: sha256=<hex>
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a sha256=<hex> header in constant time
func VerifySignature(secret string, payload []byte, header string) bool {
	presented, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok || secret == "" {
		return false
	}
	got, err := hex.DecodeString(presented)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}
