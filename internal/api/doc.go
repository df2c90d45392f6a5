// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/identify runs one lookup pass and returns the records sorted by
//     relevance rank. A client disconnect aborts the pass.
//   - GET /v1/covers/{isbn} returns the cover image bytes for a book.
package api
