package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerIsSingleton(t *testing.T) {
	assert.Same(t, Ledger(), Ledger())
}

func TestNilReceiverIsSafe(t *testing.T) {
	var m *LedgerMetrics
	assert.NotPanics(t, func() {
		m.ObserveOutcome("generic", "credited")
		m.ObserveWithdrawal("completed")
		m.ObserveMerge("ok")
		m.ObservePollFailure("generic")
		m.ObserveRailLatency("transfer", time.Second)
		m.ObserveWebhook("generic", "200")
	})
}

func TestHandlerExposesCounters(t *testing.T) {
	Ledger().ObserveOutcome("generic", "credited")
	Ledger().ObserveWithdrawal("")

	recorder := httptest.NewRecorder()
	Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(recorder.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `reward_ledger_reconcile_outcomes_total{outcome="credited",source="generic"}`))
	assert.True(t, strings.Contains(string(body), `reward_ledger_withdrawals_total{status="unknown"}`))
}
