// Package api exposes the admin HTTP interface for enqueueing distribution and
// retry jobs and for reading attempts, merged ledgers and job status.
package api
