package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"reward-ledger-go/internal/database"
	"reward-ledger-go/internal/ledger"
	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/partners"
	"reward-ledger-go/internal/reconciler"
	"reward-ledger-go/internal/store"
	"reward-ledger-go/internal/vesting"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testToken  = "test-api-token"
	testSecret = "generic-secret"
)

var apiNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeWithdrawals struct {
	request *models.WithdrawalRequest
	err     error
}

func (f *fakeWithdrawals) RequestWithdrawal(_ context.Context, userId, destination string, amount decimal.Decimal) (*models.WithdrawalRequest, error) {
	if f.request != nil {
		f.request.UserId = userId
		f.request.Destination = destination
		f.request.Amount = amount
	}
	return f.request, f.err
}

func (f *fakeWithdrawals) Get(_ context.Context, id string) (*models.WithdrawalRequest, error) {
	if f.request == nil || f.request.Id != id {
		return nil, store.ErrWithdrawalNotFound
	}
	return f.request, nil
}

type retryingProcessor struct{}

func (retryingProcessor) ProcessBatch(_ context.Context, events []models.ExternalPurchaseEvent) []models.ProcessResult {
	results := make([]models.ProcessResult, 0, len(events))
	for _, e := range events {
		results = append(results, models.ProcessResult{
			ExternalTransactionId: e.ExternalTransactionId,
			Outcome:               models.OutcomeFailed,
			Retryable:             true,
		})
	}
	return results
}

type apiFixture struct {
	db          *database.Service
	withdrawals *fakeWithdrawals
	server      *httptest.Server
}

func newAPIFixture(t *testing.T, processor BatchProcessor, rpm float64, burst int) *apiFixture {
	t.Helper()
	db, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "api.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		PingTimeout:  time.Second,
		BusyTimeout:  5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)
	db.WithClock(func() time.Time { return apiNow })

	config, err := partners.Parse([]byte(`
default_rate: "1"
default_lock: tier1
partners:
  - id: coffee-co
    rate: "50"
    lock: tier1
    link_template: "https://coffee.example.com/r?sub={token}"
`))
	require.NoError(t, err)

	clock := func() time.Time { return apiNow }
	manager := vesting.NewManager(ledger.New(db).WithClock(clock), db, vesting.DefaultPolicy()).WithClock(clock)
	if processor == nil {
		processor = reconciler.NewService(reconciler.Config{Store: db, Vesting: manager, Partners: config}).WithClock(clock)
	}

	withdrawals := &fakeWithdrawals{}
	service := NewLedgerService(Config{
		Store:       db,
		Withdrawals: withdrawals,
		Locks:       manager,
		Links:       config,
	}).WithClock(clock)

	srv := NewServer(ServerConfig{
		Service:           service,
		Reconciler:        processor,
		Adapters:          reconciler.NewRegistry(reconciler.NewGenericAdapter("generic", nil)),
		APIToken:          testToken,
		WebhookSecrets:    map[string]string{"generic": testSecret},
		RequestsPerMinute: rpm,
		Burst:             burst,
	})
	server := httptest.NewServer(srv.Handler())
	t.Cleanup(server.Close)

	_, err = db.CreateUser(context.Background(), "user-1", "User One", "one@example.com")
	require.NoError(t, err)

	return &apiFixture{db: db, withdrawals: withdrawals, server: server}
}

func (f *apiFixture) call(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	return do(t, req)
}

func (f *apiFixture) webhook(t *testing.T, source string, payload []byte, signature string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/webhooks/"+source, bytes.NewReader(payload))
	require.NoError(t, err)
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	return do(t, req)
}

func do(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t, nil, 6000, 100)
	resp, body := f.call(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestAPIRequiresBearerToken(t *testing.T) {
	f := newAPIFixture(t, nil, 6000, 100)
	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/v1/portfolios/user-1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")

	resp, _ := do(t, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLinkThenWebhookCreditsOnce(t *testing.T) {
	f := newAPIFixture(t, nil, 6000, 100)

	resp, link := f.call(t, http.MethodPost, "/v1/links", map[string]string{"user_id": "user-1", "partner_id": "coffee-co"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	token, _ := link["token"].(string)
	require.NotEmpty(t, token)
	assert.Equal(t, "https://coffee.example.com/r?sub="+token, link["url"])

	payload := []byte(fmt.Sprintf(`{"id":"E1","tracking_token":%q,"amount":"20","currency":"usd","status":"completed","occurred_at":"2026-06-01T08:00:00Z"}`, token))
	for i := 0; i < 2; i++ {
		resp, body := f.webhook(t, "generic", payload, Sign(testSecret, payload))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		results := body["results"].([]any)
		require.Len(t, results, 1)
		outcome := results[0].(map[string]any)["outcome"]
		if i == 0 {
			assert.Equal(t, string(models.OutcomeCredited), outcome)
		} else {
			assert.Equal(t, string(models.OutcomeAlreadyProcessed), outcome)
		}
	}

	resp, portfolio := f.call(t, http.MethodGet, "/v1/portfolios/user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1000", portfolio["locked_tier1"])
	assert.Equal(t, "0", portfolio["available"])
	locks := portfolio["locks"].([]any)
	require.Len(t, locks, 1)
	lock := locks[0].(map[string]any)
	assert.Equal(t, true, lock["upgradeable"])

	resp, upgraded := f.call(t, http.MethodPost, "/v1/locks/"+lock["id"].(string)+"/upgrade", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(models.Tier2), upgraded["tier"])

	resp, _ = f.call(t, http.MethodPost, "/v1/locks/"+lock["id"].(string)+"/upgrade", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, mappings := f.call(t, http.MethodGet, "/v1/mappings?user_id=user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, mappings["mappings"], 1)
}

func TestWebhookRejections(t *testing.T) {
	f := newAPIFixture(t, nil, 6000, 100)
	payload := []byte(`{"id":"E2","amount":"1","status":"completed"}`)

	resp, _ := f.webhook(t, "generic", payload, Sign("other-secret", payload))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.webhook(t, "generic", payload, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.webhook(t, "unknown", payload, Sign(testSecret, payload))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	malformed := []byte(`{not json`)
	resp, _ = f.webhook(t, "generic", malformed, Sign(testSecret, malformed))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookUnmatchedIsAcknowledged(t *testing.T) {
	f := newAPIFixture(t, nil, 6000, 100)
	payload := []byte(`{"id":"E3","tracking_token":"tgn_nobody_here_1","amount":"5","status":"completed"}`)

	resp, body := f.webhook(t, "generic", payload, Sign(testSecret, payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := body["results"].([]any)[0].(map[string]any)
	assert.Equal(t, string(models.OutcomeUnmatched), result["outcome"])
}

func TestWebhookRetryableReturns503(t *testing.T) {
	f := newAPIFixture(t, retryingProcessor{}, 6000, 100)
	payload := []byte(`{"id":"E4","amount":"5","status":"completed"}`)

	resp, _ := f.webhook(t, "generic", payload, Sign(testSecret, payload))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWithdrawalStatuses(t *testing.T) {
	f := newAPIFixture(t, nil, 6000, 100)
	body := map[string]string{"user_id": "user-1", "destination": "0xA1b2C3d4E5f6", "amount": "10"}

	f.withdrawals.request = &models.WithdrawalRequest{Id: "w1", Status: models.WithdrawalCompleted, SettlementRef: "tx-1"}
	resp, view := f.call(t, http.MethodPost, "/v1/withdrawals", body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", view["status"])

	f.withdrawals.request = &models.WithdrawalRequest{Id: "w2", Status: models.WithdrawalProcessing}
	f.withdrawals.err = fmt.Errorf("%w: rail timeout", store.ErrUnknownOutcome)
	resp, view = f.call(t, http.MethodPost, "/v1/withdrawals", body)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "processing", view["status"])

	f.withdrawals.request = nil
	f.withdrawals.err = fmt.Errorf("%w: available 0", store.ErrInsufficientFunds)
	resp, view = f.call(t, http.MethodPost, "/v1/withdrawals", body)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, store.MessageInsufficient, view["error"])

	f.withdrawals.err = fmt.Errorf("prime said: internal stack trace")
	resp, view = f.call(t, http.MethodPost, "/v1/withdrawals", body)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, store.MessageProcessingFailed, view["error"])

	resp, _ = f.call(t, http.MethodGet, "/v1/withdrawals/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnknownUserPortfolio(t *testing.T) {
	f := newAPIFixture(t, nil, 6000, 100)
	resp, body := f.call(t, http.MethodGet, "/v1/portfolios/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, store.MessageNotFound, body["error"])
}

func TestRateLimit(t *testing.T) {
	f := newAPIFixture(t, nil, 1, 2)
	statuses := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		resp, _ := f.call(t, http.MethodGet, "/v1/portfolios/user-1", nil)
		statuses = append(statuses, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests}, statuses)
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"id":"x"}`)
	sig := Sign("k", payload)
	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.True(t, VerifySignature("k", payload, sig))
	assert.False(t, VerifySignature("k", []byte(`{"id":"y"}`), sig))
	assert.False(t, VerifySignature("k", payload, "sha256=zz"))
	assert.False(t, VerifySignature("", payload, sig))
}
