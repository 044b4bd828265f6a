// Package main hosts gridctl, the operator CLI for a crawl grid.
//
// Architecture overview:
//   - Storage: a grid is backed either by an embedded badger database
//     (grid.backend=embedded) or by a relational database reached through
//     database/sql (grid.backend=relational; pgx, sqlite and mysql drivers are
//     linked in). Both expose the same maps, queues and sets.
//   - Coordination: named jobs and resumable pipelines persist their state in
//     the grid itself, so `gridctl job` and `gridctl pipeline` can inspect work
//     started by any process sharing the storage, and a pipeline stop request
//     reaches whichever process is running it.
//   - Serving: `gridctl serve` exposes internal/api over HTTP with Prometheus
//     metrics and shuts down on SIGINT/SIGTERM.
//
// Configuration comes from --config (YAML) and GRID_* environment variables,
// e.g. GRID_GRID_BACKEND=relational GRID_GRID_RELATIONAL_DRIVER=pgx.
//
// The embedded backend holds an exclusive lock on its directory, so only one
// gridctl process can open a given embedded grid at a time.
package main
