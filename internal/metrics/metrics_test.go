package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metricLoop:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metricLoop
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}

func TestRecordItem(t *testing.T) {
	before := counterValue(t, "keeper_items_total", map[string]string{"result": "fetched"})
	bytesBefore := counterValue(t, "keeper_bytes_transferred_total", nil)

	RecordItem("fetched", 100)
	RecordItem("fetched", 50)
	RecordItem("skipped", 0)

	if got := counterValue(t, "keeper_items_total", map[string]string{"result": "fetched"}) - before; got != 2 {
		t.Errorf("expected 2 fetched items, got %v", got)
	}
	if got := counterValue(t, "keeper_bytes_transferred_total", nil) - bytesBefore; got != 150 {
		t.Errorf("expected 150 bytes, got %v", got)
	}
}

func TestRecordSession(t *testing.T) {
	RecordSession("completed", 3*time.Second, 4096, true)

	if got := counterValue(t, "keeper_archive_size_bytes", nil); got != 4096 {
		t.Errorf("expected archive size 4096, got %v", got)
	}
	if got := counterValue(t, "keeper_last_success_timestamp_seconds", nil); got < float64(time.Now().Add(-time.Minute).Unix()) {
		t.Errorf("last success timestamp not set: %v", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	RecordRetry()
	RecordReport(false)

	path := filepath.Join(t.TempDir(), "keeper.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	for _, want := range []string{"keeper_fetch_retries_total", `keeper_reports_total{result="failure"}`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("textfile missing %s:\n%s", want, data)
		}
	}
}

func TestHandler(t *testing.T) {
	RecordItem("failed", 0)

	server := httptest.NewServer(Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `keeper_items_total{result="failed"}`) {
		t.Errorf("metrics output missing items counter:\n%s", body)
	}
}
