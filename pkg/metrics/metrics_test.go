package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/package-audit/pkgaudit/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Counters(t *testing.T) {
	r := metrics.NewRegistry()
	r.RecordOperation("mutation", metrics.OutcomeCompleted)
	r.RecordOperation("mutation", metrics.OutcomeBlocked)
	r.RecordOperation("mutation", metrics.OutcomeBlocked)
	r.RecordLockReclaim()
	r.RecordSnapshotCreated()
	r.RecordSnapshotsEvicted(3)
	r.RecordSnapshotsEvicted(0)
	r.ObserveMutation(20 * time.Millisecond)

	n, err := testutil.GatherAndCount(r.Gatherer(), "pkgaudit_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "two label combinations")

	n, err = testutil.GatherAndCount(r.Gatherer(), "pkgaudit_mutation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRegistry_NilSafe(t *testing.T) {
	var r *metrics.Registry
	r.RecordOperation("read", metrics.OutcomeCompleted)
	r.RecordLockReclaim()
	r.SetLockHeld(true)
	r.RecordUninstall("npm", true)
	r.RecordHTTPRequest("/x", "200")
	r.RecordRateLimited()
}

func TestRegistry_Handler(t *testing.T) {
	r := metrics.NewRegistry()
	r.SetLockHeld(true)
	r.RecordUninstall("npm", false)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "pkgaudit_lock_held 1")
	assert.Contains(t, string(body), `pkgaudit_uninstalls_total{manager="npm",success="false"} 1`)
}
