package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTransition(t *testing.T) {
	before := testutil.ToFloat64(metricTransitions.WithLabelValues("INPUT", "AWAITING_INITIAL_RESULTS"))
	RecordTransition("INPUT", "AWAITING_INITIAL_RESULTS")
	after := testutil.ToFloat64(metricTransitions.WithLabelValues("INPUT", "AWAITING_INITIAL_RESULTS"))
	assert.Equal(t, before+1, after)
}

func TestObserveGatewayCallOutcome(t *testing.T) {
	okBefore := testutil.ToFloat64(metricGatewayRequests.WithLabelValues("search", "success"))
	errBefore := testutil.ToFloat64(metricGatewayRequests.WithLabelValues("search", "error"))

	ObserveGatewayCall("search", 20*time.Millisecond, nil)
	ObserveGatewayCall("search", 20*time.Millisecond, errors.New("boom"))

	assert.Equal(t, okBefore+1, testutil.ToFloat64(metricGatewayRequests.WithLabelValues("search", "success")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(metricGatewayRequests.WithLabelValues("search", "error")))
}

func TestSetActiveSessions(t *testing.T) {
	SetActiveSessions(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(metricActiveSessions))
}
