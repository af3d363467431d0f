package observability

import (
	"testing"
	"time"

	"github.com/danmuck/dronecomms/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("relay", "GET", "/health", 200, 12*time.Millisecond)
	RecordBytes(32)
	RecordDelivery("file", true)
	RecordReconnect("uplink")
	RecordSend("uplink", "dropped")
}

func TestFrameAndCaptureCounters(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(downlinkFrames.WithLabelValues("checksum"))
	RecordFrame("checksum")
	RecordFrame("checksum")
	if got := testutil.ToFloat64(downlinkFrames.WithLabelValues("checksum")) - before; got != 2 {
		t.Fatalf("unexpected checksum frame delta: %v", got)
	}

	before = testutil.ToFloat64(relayCaptures.WithLabelValues("a", "timeout"))
	RecordCapture("a", "timeout")
	if got := testutil.ToFloat64(relayCaptures.WithLabelValues("a", "timeout")) - before; got != 1 {
		t.Fatalf("unexpected capture delta: %v", got)
	}
}
