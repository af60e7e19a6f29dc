// Package api hosts the HTTP server, middleware, and REST handlers. Routes:
//   - POST /api/crawl starts an archive job and returns its id.
//   - GET /api/status/{job_id} returns the job record for polling.
//   - POST /api/jobs/{job_id}/cancel stops a queued or running job.
//   - GET /generated_pdfs/* serves artifacts from the local backend.
//   - GET /healthz and /readyz for probes, /metrics for Prometheus.
package api
