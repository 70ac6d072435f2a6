package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/notargets/DGDispatch/pool"
	"gonum.org/v1/gonum/stat"
)

// maxSamples bounds the execution times kept for Stats; older samples are
// overwritten.
const maxSamples = 4096

type statsRecorder struct {
	enqueued  atomic.Uint64
	submitted atomic.Uint64
	failed    atomic.Uint64
	reset     atomic.Uint64

	mu       sync.Mutex
	finished uint64
	samples  []float64 // execution times in seconds, ring of maxSamples
}

func (r *statsRecorder) recordFinished(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) < maxSamples {
		r.samples = append(r.samples, d.Seconds())
	} else {
		r.samples[r.finished%maxSamples] = d.Seconds()
	}
	r.finished++
}

// Stats summarizes the tasks a queue has seen
type Stats struct {
	Enqueued  uint64
	Submitted uint64
	Finished  uint64
	Reset     uint64
	Failed    uint64

	// Execution time over the most recent finished tasks
	MeanExecution   time.Duration
	StdDevExecution time.Duration
	MaxExecution    time.Duration

	CopyKernels pool.Stats
}

// Stats returns the queue counters and the execution-time profile of reaped tasks
func (q *Queue) Stats() Stats {
	s := Stats{
		Enqueued:    q.stats.enqueued.Load(),
		Submitted:   q.stats.submitted.Load(),
		Failed:      q.stats.failed.Load(),
		Reset:       q.stats.reset.Load(),
		CopyKernels: q.copies.Stats(),
	}

	q.stats.mu.Lock()
	defer q.stats.mu.Unlock()
	s.Finished = q.stats.finished
	if n := len(q.stats.samples); n > 0 {
		s.MeanExecution = seconds(stat.Mean(q.stats.samples, nil))
		if n > 1 {
			s.StdDevExecution = seconds(stat.StdDev(q.stats.samples, nil))
		}
		var longest float64
		for _, v := range q.stats.samples {
			if v > longest {
				longest = v
			}
		}
		s.MaxExecution = seconds(longest)
	}
	return s
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
