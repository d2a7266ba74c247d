package monitor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pysugar/qwen-code-proxy/internal/db"
	"github.com/pysugar/qwen-code-proxy/internal/db/models"
)

func newTestMonitor(t *testing.T) *ProxyMonitor {
	t.Helper()
	database, err := db.InitDB(filepath.Join(t.TempDir(), "qcproxy.db"))
	if err != nil {
		t.Fatalf("InitDB() error: %v", err)
	}
	pm := NewProxyMonitor(database)
	pm.SetEnabled(true)
	return pm
}

// waitForSavedLogs polls until the async writes land or the deadline passes.
func waitForSavedLogs(t *testing.T, pm *ProxyMonitor, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var count int64
		pm.db.Model(&models.RequestLog{}).Count(&count)
		if count >= int64(want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("async log writes did not reach %d in time", want)
}

func TestLogRequest_RecordsAndCounts(t *testing.T) {
	pm := newTestMonitor(t)

	pm.LogRequest(models.RequestLog{Method: "POST", Path: "/v1/chat/completions", Status: 200, Model: "qwen3-coder-plus"})
	pm.LogRequest(models.RequestLog{Method: "POST", Path: "/v1/chat/completions", Status: 502, Model: "qwen3-coder-plus"})
	waitForSavedLogs(t, pm, 2)

	stats := pm.GetStats()
	if stats.TotalRequests != 2 {
		t.Errorf("TotalRequests = %d, want 2", stats.TotalRequests)
	}
	if stats.SuccessCount != 1 {
		t.Errorf("SuccessCount = %d, want 1", stats.SuccessCount)
	}
	if stats.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", stats.ErrorCount)
	}

	logs := pm.GetLogs(10, 0)
	if len(logs) != 2 {
		t.Fatalf("GetLogs() count = %d, want 2", len(logs))
	}
	// Newest first.
	if logs[0].Status != 502 {
		t.Errorf("first log status = %d, want the most recent (502)", logs[0].Status)
	}
}

func TestLogRequest_DisabledIsNoop(t *testing.T) {
	pm := newTestMonitor(t)
	pm.SetEnabled(false)

	pm.LogRequest(models.RequestLog{Method: "POST", Path: "/v1/chat/completions", Status: 200})
	if stats := pm.GetStats(); stats.TotalRequests != 0 {
		t.Errorf("TotalRequests = %d while disabled, want 0", stats.TotalRequests)
	}
	if logs := pm.GetLogs(10, 0); len(logs) != 0 {
		t.Errorf("GetLogs() count = %d while disabled, want 0", len(logs))
	}
}

func TestLogRequest_TruncatesHugeBodies(t *testing.T) {
	pm := newTestMonitor(t)

	huge := make([]byte, MaxResponseBodySize+100)
	for i := range huge {
		huge[i] = 'y'
	}
	pm.LogRequest(models.RequestLog{Method: "POST", Path: "/v1/chat/completions", Status: 200, ResponseBody: string(huge)})
	waitForSavedLogs(t, pm, 1)

	logs := pm.GetLogs(1, 0)
	if len(logs) != 1 {
		t.Fatalf("GetLogs() count = %d, want 1", len(logs))
	}
	if len(logs[0].ResponseBody) > MaxResponseBodySize+len("...[truncated]") {
		t.Errorf("stored response body length = %d, want truncated", len(logs[0].ResponseBody))
	}
}

func TestStatsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qcproxy.db")

	database, err := db.InitDB(path)
	if err != nil {
		t.Fatalf("InitDB() error: %v", err)
	}
	pm := NewProxyMonitor(database)
	pm.SetEnabled(true)
	pm.LogRequest(models.RequestLog{Method: "POST", Path: "/v1/chat/completions", Status: 200})
	waitForSavedLogs(t, pm, 1)

	reopened, err := db.InitDB(path)
	if err != nil {
		t.Fatalf("InitDB() reopen error: %v", err)
	}
	pm2 := NewProxyMonitor(reopened)
	if stats := pm2.GetStats(); stats.TotalRequests != 1 || stats.SuccessCount != 1 {
		t.Errorf("reloaded stats = %+v, want total=1 success=1", stats)
	}
}

func TestClear(t *testing.T) {
	pm := newTestMonitor(t)
	pm.LogRequest(models.RequestLog{Method: "POST", Path: "/v1/chat/completions", Status: 200})
	waitForSavedLogs(t, pm, 1)

	if err := pm.Clear(); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	if stats := pm.GetStats(); stats.TotalRequests != 0 {
		t.Errorf("TotalRequests after Clear() = %d, want 0", stats.TotalRequests)
	}
	if logs := pm.GetLogs(10, 0); len(logs) != 0 {
		t.Errorf("GetLogs() after Clear() = %d entries, want 0", len(logs))
	}
}
