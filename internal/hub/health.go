package hub

import (
	"context"
	"encoding/json"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"docsync/internal/models"
)

// ConnectionCount returns the number of registered clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DocumentCount returns the number of documents with a non-empty room.
func (h *Hub) DocumentCount() int { return h.sessions.DocumentCount() }

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int { return h.sessions.Count() }

// PendingSaves returns the number of debounced saves waiting to fire.
func (h *Hub) PendingSaves() int { return h.autosave.Pending() }

// Snapshot returns the current counts.
func (h *Hub) Snapshot() models.MetricsSnapshot {
	return models.MetricsSnapshot{
		ConnectionsCount: h.ConnectionCount(),
		DocumentsCount:   h.DocumentCount(),
		SessionsCount:    h.SessionCount(),
		PendingSaves:     h.PendingSaves(),
		Timestamp:        h.now().UTC(),
	}
}

func (h *Hub) serverInfo() models.ServerInfo {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	uptime := h.now().Sub(h.started)
	return models.ServerInfo{
		InstanceID:    h.cfg.InstanceID,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		HeapAlloc:     mem.HeapAlloc,
		Sys:           mem.Sys,
		GoVersion:     runtime.Version(),
	}
}

// Health probes the configured checks and reports "healthy" or "degraded".
func (h *Hub) Health(ctx context.Context) models.HealthReport {
	report := models.HealthReport{
		Status:    "healthy",
		Metrics:   h.Snapshot(),
		Server:    h.serverInfo(),
		Timestamp: h.now().UTC(),
	}
	if len(h.checks) > 0 {
		report.Checks = make(map[string]string, len(h.checks))
	}
	for name, check := range h.checks {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := check(cctx)
		cancel()
		if err != nil {
			report.Status = "degraded"
			report.Checks[name] = "unhealthy: " + err.Error()
			continue
		}
		report.Checks[name] = "healthy"
	}
	return report
}

// MetricsTick logs the periodic snapshot.
func (h *Hub) MetricsTick() models.MetricsSnapshot {
	snap := h.Snapshot()
	srv := h.serverInfo()
	h.log.WithFields(logrus.Fields{
		"connections":   snap.ConnectionsCount,
		"documents":     snap.DocumentsCount,
		"sessions":      snap.SessionsCount,
		"pending_saves": snap.PendingSaves,
		"goroutines":    srv.Goroutines,
		"heap_bytes":    srv.HeapAlloc,
	}).Info("metrics snapshot")
	return snap
}

func (h *Hub) handleHealthCheck(ctx context.Context, c *Client, _ json.RawMessage) (any, error) {
	report := h.Health(ctx)
	info := &models.SocketInfo{ConnectionID: c.ID, UserID: c.UserID}
	if s, ok := h.sessions.Get(c.ID); ok {
		info.DocumentID = s.DocumentID()
	}
	report.SocketInfo = info
	return report, nil
}

func (h *Hub) handleGetMetrics(_ context.Context, c *Client, _ json.RawMessage) (any, error) {
	if !h.isAdmin(c.Role) {
		return nil, models.NewError(models.CodeForbidden, "metrics require an elevated role")
	}
	return h.Snapshot(), nil
}

func (h *Hub) handlePing(_ context.Context, _ *Client, data json.RawMessage) (any, error) {
	return models.Pong{Data: data, Timestamp: h.now().UTC()}, nil
}
