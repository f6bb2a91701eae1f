package api

import (
	"net/http"
	"runtime"
	"time"
)

const bytesPerMB = 1 << 20

// SystemMetrics is the process and pipeline snapshot served to monitoring.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	Pipeline      PipelineMetrics  `json:"pipeline"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
}

// RuntimeMetrics holds Go runtime figures.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	HeapAllocMB   float64 `json:"heap_alloc_mb"`
	TotalAllocMB  float64 `json:"total_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
	LastGCPauseMS float64 `json:"last_gc_pause_ms"`
}

// PipelineMetrics follows advertisements from the radio to the subscribers.
type PipelineMetrics struct {
	FramesPerMinute  float64 `json:"frames_per_minute"`
	DecodeErrorRatio float64 `json:"decode_error_ratio"`
	EventSubscribers int     `json:"event_subscribers"`
	EventsDropped    uint64  `json:"events_dropped"`
	WebSocketClients int     `json:"websocket_clients"`
}

// DatabaseMetrics mirrors sql.DBStats.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

func (s *Server) pipelineMetrics(uptime time.Duration) PipelineMetrics {
	p := PipelineMetrics{
		EventSubscribers: s.events.SubscriberCount(),
		EventsDropped:    s.events.Dropped(),
		WebSocketClients: s.hub.ClientCount(),
	}
	if s.reconciler == nil {
		return p
	}
	stats := s.reconciler.Stats()
	if minutes := uptime.Minutes(); minutes > 0 {
		p.FramesPerMinute = float64(stats.FramesReceived) / minutes
	}
	if stats.FramesReceived > 0 {
		p.DecodeErrorRatio = float64(stats.DecodeErrors) / float64(stats.FramesReceived)
	}
	return p
}

// handleMetrics returns runtime, pipeline and connection pool figures.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	uptime := time.Since(s.startTime)

	m := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(uptime.Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			HeapAllocMB:   float64(mem.HeapAlloc) / bytesPerMB,
			TotalAllocMB:  float64(mem.TotalAlloc) / bytesPerMB,
			NumGC:         mem.NumGC,
			LastGCPauseMS: float64(mem.PauseNs[(mem.NumGC+255)%256]) / float64(time.Millisecond),
		},
		Pipeline: s.pipelineMetrics(uptime),
	}

	if s.db != nil {
		st := s.db.Stats()
		m.Database = &DatabaseMetrics{
			OpenConnections: st.OpenConnections,
			InUse:           st.InUse,
			Idle:            st.Idle,
			WaitCount:       st.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, m)
}
