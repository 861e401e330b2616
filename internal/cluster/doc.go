// Package cluster assembles the transport core: membership, session
// table, worker IO engine, connection controller, pacing governor and
// statistics aggregation behind one explicitly-constructed Runtime
// handle. Nothing in here is process-global; two runtimes can coexist
// in one process, which the integration tests rely on.
package cluster
