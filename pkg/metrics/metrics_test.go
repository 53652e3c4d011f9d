package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{0, "error"},
		{200, "2xx"},
		{304, "3xx"},
		{404, "4xx"},
		{429, "429"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusClass(tt.status))
	}
}

func TestCountersIncrement(t *testing.T) {
	counter := FetchRequests.WithLabelValues("metrics_test", OutcomeCacheHit)
	before := testutil.ToFloat64(counter)

	counter.Inc()

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
