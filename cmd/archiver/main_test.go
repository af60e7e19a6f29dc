package main_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	main "github.com/JakeFAU/site-archiver/cmd/archiver"
	"github.com/JakeFAU/site-archiver/internal/crawler"
)

func writeConfig(t *testing.T, isolate bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf(`
render:
  backend: noop
storage:
  backend: memory
pipeline:
  max_jobs: 4
  isolate_render_failures: %t
logging:
  development: false
  level: error
`, isolate)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newSite(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Only</title></head><body>hi</body></html>`)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestMain_Run_Help(t *testing.T) {
	t.Parallel()

	stdout := &bytes.Buffer{}
	err := main.NewMain().Run(context.Background(), []string{"--help"}, stdout, &bytes.Buffer{})
	require.NoError(t, err)

	help := stdout.String()
	assert.Contains(t, help, "--config")
	assert.Contains(t, help, "--url")
}

func TestMain_Run_MissingConfig(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "nope.yaml")
	err := main.NewMain().Run(context.Background(), []string{"--config", missing}, &bytes.Buffer{}, &bytes.Buffer{})
	require.ErrorContains(t, err, "load config failed")
}

func TestMain_Run_UnknownFlag(t *testing.T) {
	t.Parallel()

	err := main.NewMain().Run(context.Background(), []string{"--bogus"}, &bytes.Buffer{}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestMain_Run_OneShotPrintsJob(t *testing.T) {
	site := newSite(t)
	stdout := &bytes.Buffer{}

	err := main.NewMain().Run(context.Background(),
		[]string{"--config", writeConfig(t, true), "--url", site},
		stdout, &bytes.Buffer{})
	require.NoError(t, err)

	var job crawler.Job
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &job))
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, 1, job.TotalPages)
	require.Equal(t, "Only", job.Pages[0].Title)
}

func TestMain_Run_OneShotFailedJob(t *testing.T) {
	site := newSite(t)
	stdout := &bytes.Buffer{}

	err := main.NewMain().Run(context.Background(),
		[]string{"--config", writeConfig(t, false), "--url", site},
		stdout, &bytes.Buffer{})
	require.ErrorIs(t, err, main.ErrJobFailed)

	var job crawler.Job
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &job))
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Contains(t, job.Error, "renderer disabled")
}
