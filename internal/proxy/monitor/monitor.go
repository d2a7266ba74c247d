// Package monitor keeps a rolling record of proxied chat requests, in memory
// for fast reads and in SQLite for history across restarts.
package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/pysugar/qwen-code-proxy/internal/db/models"
)

const (
	// MaxRequestBodySize limits stored request bodies to 1MB.
	MaxRequestBodySize = 1024 * 1024
	// MaxResponseBodySize limits stored response bodies to 512KB.
	MaxResponseBodySize = 512 * 1024
	// MaxMemoryLogs caps the in-memory log cache.
	MaxMemoryLogs = 100
)

// ProxyMonitor records request logs and aggregate statistics.
type ProxyMonitor struct {
	db      *gorm.DB
	enabled atomic.Bool

	recentLogs []models.RequestLog
	logsMu     sync.RWMutex

	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
}

// NewProxyMonitor builds a monitor over an already-migrated database.
// Logging starts disabled until SetEnabled flips it on.
func NewProxyMonitor(database *gorm.DB) *ProxyMonitor {
	pm := &ProxyMonitor{
		db:         database,
		recentLogs: make([]models.RequestLog, 0, MaxMemoryLogs),
	}
	pm.loadStatsFromDB()
	pm.enabled.Store(false)
	return pm
}

// SetEnabled turns request logging on or off.
func (pm *ProxyMonitor) SetEnabled(enabled bool) {
	pm.enabled.Store(enabled)
	log.Infof("Request monitoring %s", map[bool]string{true: "enabled", false: "disabled"}[enabled])
}

// IsEnabled reports whether logging is active.
func (pm *ProxyMonitor) IsEnabled() bool {
	return pm.enabled.Load()
}

// LogRequest records one request. The database write happens on a separate
// goroutine so the response path never waits on SQLite.
func (pm *ProxyMonitor) LogRequest(entry models.RequestLog) {
	if !pm.IsEnabled() {
		return
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	if len(entry.RequestBody) > MaxRequestBodySize {
		entry.RequestBody = entry.RequestBody[:MaxRequestBodySize] + "...[truncated]"
	}
	if len(entry.ResponseBody) > MaxResponseBodySize {
		entry.ResponseBody = entry.ResponseBody[:MaxResponseBodySize] + "...[truncated]"
	}

	pm.totalRequests.Add(1)
	if entry.Status >= 200 && entry.Status < 400 {
		pm.successCount.Add(1)
	} else {
		pm.errorCount.Add(1)
	}

	pm.logsMu.Lock()
	pm.recentLogs = append([]models.RequestLog{entry}, pm.recentLogs...)
	if len(pm.recentLogs) > MaxMemoryLogs {
		pm.recentLogs = pm.recentLogs[:MaxMemoryLogs]
	}
	pm.logsMu.Unlock()

	go func(saved models.RequestLog) {
		if err := pm.db.Create(&saved).Error; err != nil {
			log.Warnf("Failed to save request log: %v", err)
		}
	}(entry)
}

// GetLogs returns recent request logs, newest first, optionally limited to
// the last sinceMinutes. Falls back to the in-memory cache when the database
// read fails.
func (pm *ProxyMonitor) GetLogs(limit int, sinceMinutes int) []models.RequestLog {
	if limit <= 0 {
		limit = MaxMemoryLogs
	}

	var logs []models.RequestLog
	query := pm.db.Order("timestamp DESC").Limit(limit)
	if sinceMinutes > 0 {
		sinceTime := time.Now().Add(-time.Duration(sinceMinutes) * time.Minute).UnixMilli()
		query = query.Where("timestamp >= ?", sinceTime)
	}

	if err := query.Find(&logs).Error; err != nil {
		log.Warnf("Failed to read request logs from the database: %v", err)
		pm.logsMu.RLock()
		defer pm.logsMu.RUnlock()
		if limit > len(pm.recentLogs) {
			limit = len(pm.recentLogs)
		}
		return append([]models.RequestLog(nil), pm.recentLogs[:limit]...)
	}
	return logs
}

// GetStats returns the aggregated counters.
func (pm *ProxyMonitor) GetStats() models.RequestStats {
	return models.RequestStats{
		TotalRequests: pm.totalRequests.Load(),
		SuccessCount:  pm.successCount.Load(),
		ErrorCount:    pm.errorCount.Load(),
	}
}

// Clear drops all recorded logs and resets the counters.
func (pm *ProxyMonitor) Clear() error {
	pm.logsMu.Lock()
	pm.recentLogs = pm.recentLogs[:0]
	pm.logsMu.Unlock()

	pm.totalRequests.Store(0)
	pm.successCount.Store(0)
	pm.errorCount.Store(0)

	if err := pm.db.Exec("DELETE FROM request_logs").Error; err != nil {
		log.Warnf("Failed to clear request logs: %v", err)
		return err
	}
	log.Info("Request logs cleared")
	return nil
}

func (pm *ProxyMonitor) loadStatsFromDB() {
	var total, success, errors int64

	pm.db.Model(&models.RequestLog{}).Count(&total)
	pm.db.Model(&models.RequestLog{}).Where("status >= 200 AND status < 400").Count(&success)
	pm.db.Model(&models.RequestLog{}).Where("status < 200 OR status >= 400").Count(&errors)

	pm.totalRequests.Store(total)
	pm.successCount.Store(success)
	pm.errorCount.Store(errors)
}
