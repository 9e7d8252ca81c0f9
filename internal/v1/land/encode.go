package land

import (
	"sync"

	"github.com/driftline/landsync/internal/v1/codec"
	"github.com/driftline/landsync/internal/v1/types"
)

// encodeJob is one session's state update waiting to be framed.
type encodeJob struct {
	Session types.SessionID
	Update  types.StateUpdate
	Scope   codec.UpdateScope
}

// encodedFrame pairs one framed update with its destination session.
type encodedFrame struct {
	Session types.SessionID
	Frame   []byte
}

// ParallelEncodeConfig controls fan-out of the per-session encoding work.
type ParallelEncodeConfig struct {
	Enabled    bool
	MinPlayers int
	BatchSize  int
}

// workerCount sizes the pool: enough workers to cover every batch, never
// more than the jobs, capped per room at 2 for small lands and 4 for large
// ones so a busy gateway does not oversubscribe the scheduler.
func workerCount(jobs, batchSize int) int {
	if batchSize < 1 {
		batchSize = 1
	}
	perRoomCap := 2
	if jobs >= 30 {
		perRoomCap = 4
	}
	batches := (jobs + batchSize - 1) / batchSize
	n := perRoomCap
	if batches < n {
		n = batches
	}
	if jobs < n {
		n = jobs
	}
	return n
}

// encodeUpdates frames every job, in job order. Work is spread across a
// small worker pool only when the config allows it, the job count clears the
// threshold, and the encoder is safe to share; otherwise it runs inline.
// Frames and errors come back aligned with jobs: a failing job leaves a nil
// frame and its error at the same index while the rest of the batch still
// encodes.
func encodeUpdates(enc codec.StateUpdateEncoder, jobs []encodeJob, cfg ParallelEncodeConfig) ([]encodedFrame, []error) {
	parallel := cfg.Enabled &&
		enc.ThreadSafe() &&
		cfg.MinPlayers > 0 &&
		len(jobs) >= cfg.MinPlayers

	out := make([]encodedFrame, len(jobs))
	errs := make([]error, len(jobs))

	if !parallel || workerCount(len(jobs), cfg.BatchSize) < 2 {
		for i, job := range jobs {
			frame, err := enc.Encode(job.Update, job.Scope)
			if err != nil {
				errs[i] = err
				continue
			}
			out[i] = encodedFrame{Session: job.Session, Frame: frame}
		}
		return out, errs
	}

	batchSize := cfg.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	workers := workerCount(len(jobs), batchSize)

	type batch struct{ start, end int }
	batches := make(chan batch, (len(jobs)+batchSize-1)/batchSize)
	for start := 0; start < len(jobs); start += batchSize {
		end := start + batchSize
		if end > len(jobs) {
			end = len(jobs)
		}
		batches <- batch{start: start, end: end}
	}
	close(batches)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range batches {
				for i := b.start; i < b.end; i++ {
					frame, err := enc.Encode(jobs[i].Update, jobs[i].Scope)
					if err != nil {
						errs[i] = err
						continue
					}
					out[i] = encodedFrame{Session: jobs[i].Session, Frame: frame}
				}
			}
		}()
	}
	wg.Wait()
	return out, errs
}
