package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The collector is a process-wide singleton: every call must return either
// a usable collector or an error, never both nil, whatever happened on the
// first call.
func TestNewMetricsCollector_NeverNilWithNilError(t *testing.T) {
	first, firstErr := NewMetricsCollector(DefaultConfig())
	if firstErr != nil {
		assert.Nil(t, first)
	} else {
		require.NotNil(t, first)
	}

	for i := 0; i < 3; i++ {
		col, err := NewMetricsCollector(nil)
		assert.True(t, col != nil || err != nil, "call %d returned (nil, nil)", i)
		assert.Equal(t, first, col)
		assert.Equal(t, firstErr, err)
	}
}

func TestNopCollector(t *testing.T) {
	var col ClientMetricsCollector = NopCollector{}
	assert.NotPanics(t, func() {
		col.IncrementActiveConnections()
		col.RecordCommandLatency("GET", time.Millisecond)
		col.IncrementCommandCounter("GET")
		col.IncrementPushCounter("message")
		col.IncrementErrorCounter("conn_lost")
		col.DecrementActiveConnections()
	})
}
