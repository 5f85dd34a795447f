package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecord(t *testing.T) {
	m := New()
	m.RecordTransfer("Accepted", "None")
	m.RecordTransfer("Accepted", "None")
	m.RecordTransfer("Rejected", "GuardViolation")
	m.RecordCommit(3)
	m.RecordRetry()
	m.RecordError("timeout")
	m.RecordProofGeneration(120 * time.Millisecond)
	m.RecordVerification(2*time.Millisecond, true)
	m.RecordCircuitCompile(time.Second)

	require.Equal(t, 2.0, testutil.ToFloat64(m.transfers.WithLabelValues("Accepted", "None")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.transfers.WithLabelValues("Rejected", "GuardViolation")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.commits))
	require.Equal(t, 3.0, testutil.ToFloat64(m.ledgerVersion))
	require.Equal(t, 1.0, testutil.ToFloat64(m.commitRetries))
	require.Equal(t, 1, testutil.CollectAndCount(m.proveTime))
}

func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordTransfer("Accepted", "None")
	m.RecordCommit(1)
	m.RecordRetry()
	m.RecordError("x")
	m.RecordProofGeneration(time.Second)
	m.RecordVerification(time.Second, false)
	m.RecordCircuitCompile(time.Second)
	require.Nil(t, m.Registry())
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordTransfer("Accepted", "None")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "ledgerproof_transfers_total"))
}
