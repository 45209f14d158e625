package jobrunner

import "context"

// processor is satisfied by *matcher.Matcher; kept as a local interface so
// this package does not import pkg/matcher (which would create an import
// cycle if the matcher ever wanted to depend on the JobRunner contract).
type processor interface {
	ProcessJob(ctx context.Context, jobID int64) error
}

// InProcessRunner runs the Matcher in the calling goroutine. It is the
// JobRunner cmd/matcherd hands to the scheduler; a Kubernetes-batch
// runner launching one pod per job is a valid alternative implementation of
// the same interface but is out of scope here (§1).
type InProcessRunner struct {
	matcher processor
}

// NewInProcessRunner builds a runner delegating to matcher.
func NewInProcessRunner(matcher processor) *InProcessRunner {
	return &InProcessRunner{matcher: matcher}
}

func (r *InProcessRunner) RunJob(ctx context.Context, jobID int64) (int, string) {
	if err := r.matcher.ProcessJob(ctx, jobID); err != nil {
		return ReturnCodeFailure, err.Error()
	}
	return ReturnCodeSuccess, ""
}
