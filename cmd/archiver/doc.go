// Package main hosts the site archiver entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts POST /api/crawl, creates a processing job in the JobStore and hands it
//     to the dispatcher. Clients poll GET /api/status/{job_id} until the job is completed or failed.
//   - Dispatcher & queue: at most pipeline.max_jobs jobs may be queued or running; further submissions are rejected
//     with 503 instead of waiting. Every dequeued job runs on its own goroutine. Each submission returns a Task handle
//     that can be awaited or canceled.
//   - Pipeline: a worker runs internal/pipeline.Orchestrator, which crawls the seed's host breadth-first (Colly
//     fetches, goquery link extraction, at most crawler.batch_size URLs per round and crawler.max_in_flight fetches
//     at once), prints every page to PDF with headless Chrome one page at a time, merges the PDFs with pdfcpu, and
//     zips the job directory. Merge failures are logged and skipped; crawl, render and archive failures fail the job.
//   - Persistence & fanout: PDFs and archives go to the artifact store (local/memory/GCS). Job records live in
//     memory, Redis or Postgres. A JobEvent is published to Pub/Sub or Kafka when a job finishes.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported at /metrics.
//
// Quick checklist:
//   - Run the server: go run ./cmd/archiver --config config.yaml (or rely solely on ARCHIVER_* env overrides).
//   - Archive one site: go run ./cmd/archiver --url https://example.com
//   - Containers without a Chrome sandbox need ARCHIVER_RENDER_NO_SANDBOX=true.
package main
