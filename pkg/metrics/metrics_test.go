package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncBundleSentCounts(t *testing.T) {
	r := New()
	r.IncBundleSent("BROKER_ANNOUNCE")
	r.IncBundleSent("BROKER_ANNOUNCE")
	r.IncBundleSent("JOB_SUBMIT")

	assert.Equal(t, float64(2), testutil.ToFloat64(r.BundlesSent.WithLabelValues("BROKER_ANNOUNCE")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.BundlesSent.WithLabelValues("JOB_SUBMIT")))
}

func TestStorageStatsGauges(t *testing.T) {
	r := New()
	r.SetStorageStats(12, 4096)
	assert.Equal(t, float64(12), testutil.ToFloat64(r.StorageEntries))
	assert.Equal(t, float64(4096), testutil.ToFloat64(r.StorageBytes))
}

func TestJobLifecycleCounters(t *testing.T) {
	r := New()
	r.IncJobsAdmitted()
	r.IncJobsAdmitted()
	r.IncJobsSucceeded()
	r.IncJobsFailed()

	assert.Equal(t, float64(2), testutil.ToFloat64(r.JobsAdmitted))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.JobsSucceeded))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.JobsFailed))
}

func TestNilRegistryIsNoOp(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.IncBundleSent("x")
		r.IncBundleReceived("x")
		r.SetStorageStats(1, 2)
		r.SetPendingJobs(3)
		r.IncJobsAdmitted()
		r.IncJobsSucceeded()
		r.IncJobsFailed()
		require.Nil(t, r.Handler())
	})
}
