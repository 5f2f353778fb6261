package monitor

import (
	"sort"
	"time"

	"github.com/cuemby/heron/pkg/types"
)

// Row is the operator view of one watched entity
type Row struct {
	Code          string            `json:"code"`
	Name          string            `json:"name"`
	Status        types.LeaseStatus `json:"status"`
	Node          string            `json:"node,omitempty"`
	OccupiedSince *time.Time        `json:"occupied_since,omitempty"`
	LastResult    string            `json:"last_result,omitempty"`
	TraceID       string            `json:"trace_id,omitempty"`
	UpdatedAt     *time.Time        `json:"updated_at,omitempty"`
	History       []HistoryEntry    `json:"history,omitempty"`
}

// HistoryEntry is one recent status record of an entity
type HistoryEntry struct {
	TaskType   types.TaskType    `json:"task_type"`
	Status     types.LeaseStatus `json:"status"`
	Node       string            `json:"node,omitempty"`
	LastResult string            `json:"last_result,omitempty"`
	TraceID    string            `json:"trace_id"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Aggregate merges the watch list with the live status records into one row
// per entity, sorted by code. The status shown is the highest-priority one;
// node, result and trace come from the most recently updated record.
// Entities without any record are IDLE. history bounds the number of recent
// records attached to each row, newest first.
func Aggregate(entities []*types.WatchedEntity, leases []*types.EntityLease, history int) []Row {
	byEntity := make(map[string][]*types.EntityLease)
	for _, l := range leases {
		if l == nil {
			continue
		}
		byEntity[l.EntityCode] = append(byEntity[l.EntityCode], l)
	}

	rows := make([]Row, 0, len(entities))
	for _, e := range entities {
		rows = append(rows, buildRow(e, byEntity[e.Code], history))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Code < rows[j].Code })
	return rows
}

func buildRow(e *types.WatchedEntity, leases []*types.EntityLease, history int) Row {
	row := Row{Code: e.Code, Name: e.Name, Status: types.LeaseStatusIdle}
	if len(leases) == 0 {
		return row
	}

	// newest first; ties keep a stable order by trace
	recent := make([]*types.EntityLease, len(leases))
	copy(recent, leases)
	sort.SliceStable(recent, func(i, j int) bool {
		if !recent[i].UpdatedAt.Equal(recent[j].UpdatedAt) {
			return recent[i].UpdatedAt.After(recent[j].UpdatedAt)
		}
		return recent[i].TraceID < recent[j].TraceID
	})

	best := recent[0]
	for _, l := range recent[1:] {
		if l.Status.Priority() < best.Status.Priority() {
			best = l
		}
	}
	row.Status = best.Status

	latest := recent[0]
	row.Node = latest.Node
	row.LastResult = latest.LastResult
	row.TraceID = latest.TraceID
	if !latest.AcquiredAt.IsZero() {
		t := latest.AcquiredAt
		row.OccupiedSince = &t
	}
	if !latest.UpdatedAt.IsZero() {
		t := latest.UpdatedAt
		row.UpdatedAt = &t
	}

	if history > len(recent) {
		history = len(recent)
	}
	for _, l := range recent[:max(history, 0)] {
		row.History = append(row.History, HistoryEntry{
			TaskType:   l.TaskType,
			Status:     l.Status,
			Node:       l.Node,
			LastResult: l.LastResult,
			TraceID:    l.TraceID,
			UpdatedAt:  l.UpdatedAt,
		})
	}
	return row
}

// Page returns the slice of rows for a 1-based page
func Page(rows []Row, page, size int) []Row {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		return rows
	}
	start := (page - 1) * size
	if start >= len(rows) {
		return []Row{}
	}
	end := min(start+size, len(rows))
	return rows[start:end]
}

// Summary counts rows per status
func Summary(rows []Row) map[types.LeaseStatus]int {
	out := make(map[types.LeaseStatus]int)
	for _, r := range rows {
		out[r.Status]++
	}
	return out
}
