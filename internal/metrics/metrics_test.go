package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	require.NotNil(t, requestsTotal)
	require.NotNil(t, admissionRejectionsTotal)
	require.NotNil(t, httpRequestsTotal)
}

func TestObserversUpdateCollectors(t *testing.T) {
	Init()
	before := testutil.ToFloat64(requestsTotal.WithLabelValues("cached"))
	ObserveRequest("cached")
	assert.InDelta(t, before+1, testutil.ToFloat64(requestsTotal.WithLabelValues("cached")), 0.001)

	SetInFlight(3)
	assert.InDelta(t, 3, testutil.ToFloat64(inFlight), 0.001)
	SetInFlight(0)

	beforeRetries := testutil.ToFloat64(retriesTotal)
	ObserveRetry()
	assert.InDelta(t, beforeRetries+1, testutil.ToFloat64(retriesTotal), 0.001)

	beforeRejects := testutil.ToFloat64(admissionRejectionsTotal.WithLabelValues("domain_cap"))
	ObserveAdmissionRejected("domain_cap")
	assert.InDelta(t, beforeRejects+1, testutil.ToFloat64(admissionRejectionsTotal.WithLabelValues("domain_cap")), 0.001)

	ObserveFetch("https://metrics.example/a", 20*time.Millisecond, 42)
	assert.InDelta(t, 42, testutil.ToFloat64(bytesTotal.WithLabelValues("metrics.example")), 0.001)
	assert.Positive(t, testutil.CollectAndCount(fetchDurationSeconds))

	ObserveDispatchDelay(10 * time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(dispatchDelaySeconds))

	beforeInvalid := testutil.ToFloat64(sourceMessagesTotal.WithLabelValues("invalid"))
	ObserveSourceMessage("invalid")
	assert.InDelta(t, beforeInvalid+1, testutil.ToFloat64(sourceMessagesTotal.WithLabelValues("invalid")), 0.001)

	ObserveAttempt("page")
	ObserveRobotsFetch("parsed")
	ObserveCacheLookup("hit")
	assert.GreaterOrEqual(t, testutil.ToFloat64(attemptsTotal.WithLabelValues("page")), 1.0)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
