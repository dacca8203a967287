package job_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newslens/features/job"
	"newslens/internal/testutils"
)

func TestJobRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	jobRepo := job.NewPostgresRepo(s.DB)
	ctx := context.Background()

	j1 := &job.Job{URL: "https://example.com/a", Handler: "ingest.article", Stage: "extraction_failed", Payload: json.RawMessage(`{"url":"https://example.com/a"}`), Error: "error 1"}
	require.NoError(t, jobRepo.Save(ctx, j1))

	time.Sleep(100 * time.Millisecond)

	j2 := &job.Job{URL: "https://example.com/b", Handler: "ingest.article", Stage: "store_failed", Payload: json.RawMessage(`{"url":"https://example.com/b"}`), Error: "error 2"}
	require.NoError(t, jobRepo.Save(ctx, j2))

	jobs, err := jobRepo.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, j2.ID, jobs[0].ID, "Newest job should be first")

	// A second failure for the same URL keeps a single row.
	again := &job.Job{URL: "https://example.com/a", Handler: "ingest.article", Stage: "embedding_failed", Error: "error 3"}
	require.NoError(t, jobRepo.Save(ctx, again))
	assert.Equal(t, j1.ID, again.ID)
	assert.Equal(t, 1, again.Retries)

	count, err := jobRepo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, jobRepo.DeleteByURL(ctx, "https://example.com/a"))
	count, err = jobRepo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
