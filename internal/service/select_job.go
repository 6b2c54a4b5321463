package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/minipath/server/internal/jobstore"
)

// ExecuteSelectJob runs a queued selection job and stores its result. A
// partial selection is stored before the extraction error is returned.
func (s *SlideService) ExecuteSelectJob(ctx context.Context, store *jobstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}

	opts := s.SelectDefaults()
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &opts); err != nil {
			return fmt.Errorf("failed to decode job params: %w", err)
		}
	}

	store.UpdateJobProgress(jobID, "ranking", 0, 2)
	sel, selErr := s.Select(ctx, job.SeriesUID, opts)
	if sel == nil {
		return selErr
	}

	store.UpdateJobProgress(jobID, "saving", 1, 2)
	data, err := json.Marshal(sel)
	if err != nil {
		return fmt.Errorf("failed to encode selection: %w", err)
	}
	if err := store.SaveResult(jobID, len(sel.Frames), data); err != nil {
		return fmt.Errorf("failed to save selection: %w", err)
	}
	store.UpdateJobProgress(jobID, "done", 2, 2)
	return selErr
}
