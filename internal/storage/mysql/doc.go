// Package mysql provides shared MySQL plumbing for the durable stores:
// connection pooling configuration and the embedded schema migration runner.
package mysql
