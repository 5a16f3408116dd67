package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/gaspardpetit/imagerelay/internal/httperr"
	"github.com/gaspardpetit/imagerelay/internal/inflight"
	"github.com/gaspardpetit/imagerelay/internal/logx"
	"github.com/gaspardpetit/imagerelay/internal/serverstate"
)

// StreamInterval is how often GetStateStream emits a snapshot.
var StreamInterval = 2 * time.Second

// HostStats describes the machine the relay runs on.
type HostStats struct {
	CPUCount      int     `json:"cpu_count"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemTotalBytes uint64  `json:"mem_total_bytes"`
	MemUsedBytes  uint64  `json:"mem_used_bytes"`
	MemPercent    float64 `json:"mem_percent"`
}

// Snapshot is the JSON document served by /api/state.
type Snapshot struct {
	Status     string     `json:"status"`
	Draining   bool       `json:"draining"`
	InstanceID string     `json:"instance_id"`
	Model      string     `json:"model"`
	DevProxy   bool       `json:"dev_proxy"`
	Inflight   int64      `json:"inflight"`
	Host       *HostStats `json:"host,omitempty"`
	Time       time.Time  `json:"time"`
}

// StateHandler serves state snapshots and streams.
type StateHandler struct {
	InstanceID string
	Model      string
	DevProxy   bool
	// HostStats overrides host sampling; nil uses gopsutil.
	HostStats func(ctx context.Context) *HostStats
}

// Snapshot collects the current state of this instance.
func (h *StateHandler) Snapshot(ctx context.Context) Snapshot {
	st := serverstate.Load()
	hostFn := h.HostStats
	if hostFn == nil {
		hostFn = sampleHost
	}
	return Snapshot{
		Status:     st.Status,
		Draining:   st.Draining,
		InstanceID: h.InstanceID,
		Model:      h.Model,
		DevProxy:   h.DevProxy,
		Inflight:   inflight.DrainableCount(),
		Host:       hostFn(ctx),
		Time:       time.Now().UTC(),
	}
}

// GetState returns a JSON snapshot.
func (h *StateHandler) GetState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Snapshot(r.Context())); err != nil {
		logx.Log.Error().Err(err).Msg("encode state")
	}
}

// GetStateStream streams state snapshots as Server-Sent Events.
func (h *StateHandler) GetStateStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httperr.Write(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	send := func() bool {
		b, err := json.Marshal(h.Snapshot(r.Context()))
		if err != nil {
			logx.Log.Error().Err(err).Msg("marshal state")
			return false
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return false
		}
		if _, err := w.Write(b); err != nil {
			return false
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send() {
		return
	}
	ticker := time.NewTicker(StreamInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}

func sampleHost(ctx context.Context) *HostStats {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		logx.Log.Debug().Err(err).Msg("host memory stats")
		return nil
	}
	hs := &HostStats{
		MemTotalBytes: vm.Total,
		MemUsedBytes:  vm.Used,
		MemPercent:    vm.UsedPercent,
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		hs.CPUCount = n
	}
	// interval 0 compares against the previous call
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		hs.CPUPercent = pct[0]
	}
	return hs
}
