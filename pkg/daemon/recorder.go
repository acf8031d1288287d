package daemon

import (
	"sync"
	"time"

	"github.com/cbs-imaging/hubble/pkg/task"
)

var _ task.Observer = &StepRecorder{}

// StepRecord is one finished task step.
type StepRecord struct {
	At       time.Time
	Duration time.Duration
	Failed   bool
}

// StepRecorder keeps the last N step records of the current run. It is
// registered as a run observer and used to estimate the remaining time.
type StepRecorder struct {
	MaxRecordCount int
	Records        []StepRecord
	mu             *sync.Mutex
}

// NewStepRecorder returns a new StepRecorder.
func NewStepRecorder(maxRecordCount int) *StepRecorder {
	return &StepRecorder{
		MaxRecordCount: maxRecordCount,
		Records:        make([]StepRecord, 0),
		mu:             &sync.Mutex{},
	}
}

// AddRecord adds a record finished at t.
func (r *StepRecorder) AddRecord(t time.Time, d time.Duration, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.Records) >= r.MaxRecordCount {
		r.Records = r.Records[1:]
	}
	// Round to strip monotonic clock reading.
	r.Records = append(r.Records, StepRecord{At: t.Round(0), Duration: d, Failed: failed})
}

// ClearRecords clears all records.
func (r *StepRecorder) ClearRecords() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Records = make([]StepRecord, 0)
}

// GetRecords returns a copy of the records.
func (r *StepRecorder) GetRecords() []StepRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]StepRecord(nil), r.Records...)
}

// GetRecordsIn returns the number of successful steps that finished within
// the last duration.
func (r *StepRecorder) GetRecordsIn(last time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for i := len(r.Records) - 1; i >= 0; i-- {
		rec := r.Records[i]
		if time.Since(rec.At) > last {
			break
		}
		if !rec.Failed {
			count++
		}
	}
	return count
}

// MeanDuration returns the mean duration of successful steps, or 0.
func (r *StepRecorder) MeanDuration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sum time.Duration
	n := 0
	for _, rec := range r.Records {
		if rec.Failed {
			continue
		}
		sum += rec.Duration
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / time.Duration(n)
}

// Estimate returns the expected time for the given number of remaining steps.
func (r *StepRecorder) Estimate(remaining int) time.Duration {
	if remaining <= 0 {
		return 0
	}
	return r.MeanDuration() * time.Duration(remaining)
}

// GetLastRecord returns the last record.
func (r *StepRecorder) GetLastRecord() StepRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.Records) == 0 {
		return StepRecord{}
	}

	return r.Records[len(r.Records)-1]
}

func (r *StepRecorder) ObserveStep(_ string, d time.Duration, err error) {
	r.AddRecord(time.Now(), d, err != nil)
}

func (r *StepRecorder) ObserveRun(task.RunState) {}
