package metrics

import (
	"testing"
	"time"

	"btverify/pkg/verify"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestOutcome(t *testing.T) {
	assert.Equal(t, OutcomeOK, Outcome(nil))
	assert.Equal(t, OutcomeCorrupted, Outcome(&verify.CheckError{Category: verify.ErrIndexCorrupted}))
	assert.Equal(t, OutcomeHeap, Outcome(&verify.CheckError{Category: verify.ErrHeapMismatch}))
	assert.Equal(t, OutcomeUnique, Outcome(errors.Wrap(&verify.CheckError{Category: verify.ErrUniqueViolation}, "accounts_idx")))
	assert.Equal(t, OutcomeError, Outcome(errors.New("disk on fire")))
}

func TestObserve(t *testing.T) {
	m := New()
	m.Observe("accounts_idx", &verify.Result{PagesVisited: 3, HeapTuplesPresent: 10, TuplesFingerprinted: 10, BloomFillFraction: 0.25}, nil, time.Millisecond)
	m.Observe("accounts_idx", nil, &verify.CheckError{Category: verify.ErrIndexCorrupted}, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.checks.WithLabelValues("accounts_idx", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checks.WithLabelValues("accounts_idx", OutcomeCorrupted)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pages.WithLabelValues("accounts_idx")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.heapTuples.WithLabelValues("accounts_idx")))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.fillFraction.WithLabelValues("accounts_idx")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}
