package expense

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultBatchLimit is the number of receipts processed at once by ProcessBatch
const DefaultBatchLimit = 4

// ProcessBatch runs every upload through the pipeline with at most limit in flight.
// Uploads are independent: a failure is reported on its own Run and does not stop the rest.
// Runs are returned in the order of uploads.
func (s *Service) ProcessBatch(ctx context.Context, uploads []Upload, limit int) []*Run {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}

	runs := make([]*Run, len(uploads))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, upload := range uploads {
		g.Go(func() error {
			runs[i] = s.Process(ctx, upload)
			return nil
		})
	}
	// Every goroutine returns nil; failures live on each Run.
	_ = g.Wait()

	return runs
}
