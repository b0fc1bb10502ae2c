// Package server hosts the Fiber HTTP service that exposes the download engine
// to remote consumers. It wires request IDs and panic recovery, publishes
// subscription-based download control under /downloads, streams cached files
// under /files, and leaves /-/ diagnostics to the routes subpackage. Handlers
// translate fetch error kinds into HTTP statuses; the engine itself never sees
// Fiber types.
package server
