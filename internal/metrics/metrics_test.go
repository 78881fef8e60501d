package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Metrics are process globals, so these tests compare deltas and do not run
// in parallel.

func TestRecordConversionOutcomes(t *testing.T) {
	ok := testutil.ToFloat64(ConversionsTotal.WithLabelValues(DirectionNunchaku, "ok"))
	partial := testutil.ToFloat64(ConversionsTotal.WithLabelValues(DirectionNunchaku, "partial"))
	failed := testutil.ToFloat64(ConversionsTotal.WithLabelValues(DirectionNunchaku, "error"))
	layers := testutil.ToFloat64(LayersConverted.WithLabelValues(DirectionNunchaku))

	RecordConversion(DirectionNunchaku, 10*time.Millisecond, 4, 0, nil)
	RecordConversion(DirectionNunchaku, 10*time.Millisecond, 3, 1, nil)
	RecordConversion(DirectionNunchaku, 10*time.Millisecond, 9, 9, errors.New("boom"))

	if got := testutil.ToFloat64(ConversionsTotal.WithLabelValues(DirectionNunchaku, "ok")) - ok; got != 1 {
		t.Fatalf("ok delta %v", got)
	}
	if got := testutil.ToFloat64(ConversionsTotal.WithLabelValues(DirectionNunchaku, "partial")) - partial; got != 1 {
		t.Fatalf("partial delta %v", got)
	}
	if got := testutil.ToFloat64(ConversionsTotal.WithLabelValues(DirectionNunchaku, "error")) - failed; got != 1 {
		t.Fatalf("error delta %v", got)
	}
	if got := testutil.ToFloat64(LayersConverted.WithLabelValues(DirectionNunchaku)) - layers; got != 7 {
		t.Fatalf("layers delta %v, failed conversion counted", got)
	}
}

func TestRecordHistograms(t *testing.T) {
	before := testutil.CollectAndCount(RequestBytes)
	RecordPaddedRank(16)
	RecordPaddedRank(48)
	RecordRequestBytes("test_endpoint", 1<<20)
	if got := testutil.CollectAndCount(RequestBytes); got < before || got == 0 {
		t.Fatalf("request bytes series %d", got)
	}
}
