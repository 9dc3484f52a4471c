package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersRecordAfterInit(t *testing.T) {
	Init()

	IncUnitsDropped("suntech")
	if got := testutil.ToFloat64(unitsDropped.WithLabelValues("suntech")); got != 1 {
		t.Fatalf("units dropped = %v, want 1", got)
	}

	IncUnknownDeviceContact()
	if got := testutil.ToFloat64(unknownTotal); got != 1 {
		t.Fatalf("unknown contacts = %v, want 1", got)
	}

	IncUnitsDropped("suntech")
	if got := testutil.ToFloat64(unitsDropped.WithLabelValues("suntech")); got != 2 {
		t.Fatalf("units dropped = %v, want 2", got)
	}
}
