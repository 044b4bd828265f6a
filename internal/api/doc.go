// Package api hosts the read-mostly HTTP inspection surface of a grid.
// Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stores lists catalogued stores with their sizes.
//   - GET /v1/jobs/{name} and POST /v1/jobs/{name}/stop for named jobs.
//   - GET /v1/pipelines/{id} and POST /v1/pipelines/{id}/stop for pipelines.
package api
