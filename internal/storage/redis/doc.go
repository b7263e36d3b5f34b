// Package redis provides Redis-backed infrastructure shared by settlement
// workers: a TTL cache for merged ledgers and a distributed run lock that keeps
// a single distribution run per (agent, token) pair across processes.
package redis
