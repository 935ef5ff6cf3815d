package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castcle/ledger-engine/ledger"
	"github.com/castcle/ledger-engine/metrics"
	"github.com/castcle/ledger-engine/rewards"
)

var (
	_ ledger.Recorder          = (*metrics.Metrics)(nil)
	_ ledger.RejectionRecorder = (*metrics.Metrics)(nil)
	_ rewards.Recorder         = (*metrics.Metrics)(nil)
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.VerificationCompleted("verified", "", time.Millisecond)
		m.JobRetried()
		m.JobDropped()
		m.TransferRejected("insufficient_balance")
		m.RewardDistribution("failed")
	})
}

func TestMetrics_CountsAndExposes(t *testing.T) {
	m := metrics.New()
	m.VerificationCompleted("failed", "Insufficient funds", 5*time.Millisecond)
	m.VerificationCompleted("verified", "", 5*time.Millisecond)
	m.JobRetried()
	m.TransferRejected("checksum_mismatch")

	count, err := testutil.GatherAndCount(m.Registry(),
		"ledger_verifications_total", "ledger_queue_retries_total", "ledger_transfers_rejected_total")
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `ledger_verifications_total{reason="Insufficient funds",status="failed"} 1`)
	assert.Contains(t, string(body), "ledger_verification_duration_seconds_count 2")
}
