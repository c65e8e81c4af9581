package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLog keeps the most recent records in memory and answers the same
// queries as the ClickHouse reader. Used when ClickHouse is not configured.
type MemoryLog struct {
	mu       sync.RWMutex
	records  []ExecutionRecord
	capacity int
}

// NewMemoryLog creates a MemoryLog retaining at most capacity records.
func NewMemoryLog(capacity int) *MemoryLog {
	if capacity <= 0 {
		capacity = bufferSize
	}
	return &MemoryLog{capacity: capacity}
}

func (m *MemoryLog) Write(record *ExecutionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) >= m.capacity {
		copy(m.records, m.records[1:])
		m.records = m.records[:len(m.records)-1]
	}
	m.records = append(m.records, *record)
}

func (m *MemoryLog) Close() {}

// Len returns the number of retained records.
func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func inRange(ts time.Time, start, end *time.Time) bool {
	if start != nil && ts.Before(*start) {
		return false
	}
	if end != nil && ts.After(*end) {
		return false
	}
	return true
}

func (m *MemoryLog) ListExecutions(_ context.Context, params ListExecutionsParams) ([]ExecutionRecord, int, error) {
	m.mu.RLock()
	var matched []ExecutionRecord
	for _, r := range m.records {
		if r.TenantID != params.TenantID || !inRange(r.Timestamp, params.StartTime, params.EndTime) {
			continue
		}
		if params.ToolName != nil && r.ToolName != *params.ToolName {
			continue
		}
		if params.Success != nil && r.Success != *params.Success {
			continue
		}
		matched = append(matched, r)
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })

	total := len(matched)
	page, size := params.Page, params.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	start := (page - 1) * size
	if start >= total {
		return []ExecutionRecord{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *MemoryLog) ToolStats(_ context.Context, params ToolStatsParams) (*ToolStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &ToolStats{ToolName: params.ToolName}
	var totalMs int64
	for _, r := range m.records {
		if r.TenantID != params.TenantID || r.ToolName != params.ToolName {
			continue
		}
		if !inRange(r.Timestamp, params.StartTime, params.EndTime) {
			continue
		}
		stats.Total++
		if r.Success {
			stats.Successes++
		} else {
			stats.Failures++
		}
		totalMs += r.ExecutionTimeMs
		if stats.LastExecutedAt == nil || r.Timestamp.After(*stats.LastExecutedAt) {
			ts := r.Timestamp
			stats.LastExecutedAt = &ts
		}
	}
	if stats.Total > 0 {
		stats.AvgExecutionTimeMs = float64(totalMs) / float64(stats.Total)
	}
	return stats, nil
}

// MultiWriter fans every record out to several writers.
type MultiWriter []ExecutionWriter

func (mw MultiWriter) Write(record *ExecutionRecord) {
	for _, w := range mw {
		w.Write(record)
	}
}

func (mw MultiWriter) Close() {
	for _, w := range mw {
		w.Close()
	}
}
