package worker

import "context"

// Job is one unit of work queued under Key. Jobs sharing a key run in
// submission order; different keys take turns.
type Job struct {
	Key string
	id  uint64
	ctx context.Context
	run func(ctx context.Context)
}

func (j Job) execute() {
	j.run(j.ctx)
}

// skip runs the job with a cancelled context so waiters are released
// without doing the work.
func (j Job) skip() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	j.run(ctx)
}
