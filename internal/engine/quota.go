package engine

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// QuotaEnforcer bounds the number of records a run may emit across all
// operators. It catches flows that explode (an extract fanning out without
// limit, a co-group emitting a cross product) before they exhaust memory.
//
// One enforcer is created per run and shared by every partition task, so
// Charge is safe for concurrent use. A limit of 0 disables the quota.
type QuotaEnforcer struct {
	limit   int64
	current atomic.Int64
}

// NewQuotaEnforcer creates an enforcer with the given limit.
func NewQuotaEnforcer(limit int64) *QuotaEnforcer {
	return &QuotaEnforcer{limit: limit}
}

// Charge adds n emitted records and fails once the total passes the limit.
func (q *QuotaEnforcer) Charge(runID string, n int) error {
	total := q.current.Add(int64(n))
	if q.limit > 0 && total > q.limit {
		return &RecordsExceededError{RunID: runID, Records: total, Limit: q.limit}
	}
	return nil
}

// Current returns the number of records charged so far.
func (q *QuotaEnforcer) Current() int64 {
	return q.current.Load()
}

// Limit returns the configured limit.
func (q *QuotaEnforcer) Limit() int64 {
	return q.limit
}

// RecordsExceededError is returned when a run emits more records than its
// quota allows. The run is abandoned.
type RecordsExceededError struct {
	RunID   string
	Records int64
	Limit   int64
}

// Error implements the error interface.
func (e *RecordsExceededError) Error() string {
	return fmt.Sprintf("run %s exceeded record quota: %d records > %d limit", e.RunID, e.Records, e.Limit)
}

// IsRecordsExceededError reports whether err is a RecordsExceededError.
func IsRecordsExceededError(err error) bool {
	var qe *RecordsExceededError
	return errors.As(err, &qe)
}
