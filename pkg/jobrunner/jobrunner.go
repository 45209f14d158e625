// Package jobrunner defines the JobRunner contract (§6): the core depends
// only on run_job() → (return_code, error_message?), never on how or where
// the job actually executes.
package jobrunner

import "context"

// JobRunner executes one Job end to end and reports its outcome. A
// Kubernetes-batch implementation (launching a pod per job) is a valid
// out-of-tree JobRunner but is not built here — the Kubernetes job launcher
// is explicitly out of scope (§1).
type JobRunner interface {
	RunJob(ctx context.Context, jobID int64) (returnCode int, errMessage string)
}

// Standard return codes, mirrored after the reference worker pool's
// executor convention of a small closed set of exit codes rather than
// arbitrary process exit statuses.
const (
	ReturnCodeSuccess = 0
	ReturnCodeFailure = 1
)
