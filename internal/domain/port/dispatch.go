package port

import (
	"context"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/entity"
)

// JobClient is the worker's view of the dispatcher. Lease long-polls for
// work; Report and Renew surface cancelRequested so a worker learns it
// should abandon the job it is holding.
type JobClient interface {
	Lease(ctx context.Context, workerID string, workerType entity.JobType) (*entity.Job, error)
	Report(ctx context.Context, upd JobUpdate) (cancelRequested bool, err error)
	Renew(ctx context.Context, jobID, workerID string) (cancelRequested bool, err error)
}
