// Package scheduler turns the eligible account set into completed
// scrapes across the session pool.
package scheduler

import (
	"sort"
	"strings"
	"time"

	"github.com/tokspider/tokspider/internal/model"
)

// Re-fetch backoffs by last outcome, in seconds.
const (
	backoffFetched   = 600
	backoffFailed    = 1800
	backoffNotExists = 21600
)

// Task is one scrape unit popped from the queue.
type Task struct {
	Handle       string
	UniqueID     string
	TikTokID     string
	PriorityTime int64
}

// PriorityTime computes the seconds-epoch moment a row becomes due.
// Never-fetched rows are maximally urgent.
func PriorityTime(row model.AccountRow) int64 {
	if row.UpdatedAtS == nil {
		return 0
	}
	updated := *row.UpdatedAtS
	comments := ""
	if row.Comments != nil {
		comments = *row.Comments
	}
	switch comments {
	case model.StatusFailed:
		return updated + backoffFailed
	case model.StatusNotExists:
		return updated + backoffNotExists
	default:
		return updated + backoffFetched
	}
}

// UniqueID derives the platform handle from an account handle: the
// part after the last '@', whitespace stripped.
func UniqueID(handle string) string {
	if i := strings.LastIndex(handle, "@"); i >= 0 {
		handle = handle[i+1:]
	}
	return strings.ReplaceAll(handle, " ", "")
}

// Eligible filters rows to those due at now and orders them most
// urgent first. Rows with equal priority keep their input order.
func Eligible(rows []model.AccountRow, now time.Time) []Task {
	cutoff := now.Unix()
	tasks := make([]Task, 0, len(rows))
	for _, row := range rows {
		p := PriorityTime(row)
		if p > cutoff {
			continue
		}
		t := Task{
			Handle:       row.Handle,
			UniqueID:     UniqueID(row.Handle),
			PriorityTime: p,
		}
		if row.TikTokID != nil {
			t.TikTokID = *row.TikTokID
		}
		tasks = append(tasks, t)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].PriorityTime < tasks[j].PriorityTime
	})
	return tasks
}
