package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/jobflow/internal/jobs"
)

func TestOpen_SqliteMigratesJobs(t *testing.T) {
	gdb, err := Open("sqlite", "file:db_open_test?mode=memory&cache=shared", nil)
	require.NoError(t, err)
	defer func() { _ = Close(gdb) }()

	assert.True(t, gdb.Migrator().HasTable(&jobs.Job{}))
	assert.True(t, gdb.Migrator().HasIndex(&jobs.Job{}, "idx_jobs_status_created"))

	repo := jobs.NewGormRepo(gdb)
	_, err = repo.Create(context.Background(), jobs.NewJob{ID: "x", Type: jobs.TypeSort})
	require.NoError(t, err)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("oracle", "whatever", nil)
	assert.ErrorContains(t, err, "unsupported DB_DRIVER")
}
