package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStatus(t *testing.T) {
	assert.Equal(t, "success", Status(nil))
	assert.Equal(t, "error", Status(errors.New("x")))
}

func TestObserveStage(t *testing.T) {
	before := testutil.CollectAndCount(StageDuration)
	ObserveStage("TEST_STAGE", "complete", 250*time.Millisecond)
	assert.Equal(t, before+1, testutil.CollectAndCount(StageDuration))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(Candidates.WithLabelValues("admitted"))
	Candidates.WithLabelValues("admitted").Add(2)
	assert.InDelta(t, before+2, testutil.ToFloat64(Candidates.WithLabelValues("admitted")), 1e-9)
}
