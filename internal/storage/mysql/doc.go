// Package mysql provides repositories backed by MySQL. It encapsulates schema
// migrations and the stores for distribution attempts, agent completion flags
// and background jobs.
package mysql
