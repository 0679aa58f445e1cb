// Package memory implements the durable memory subsystem backing the agent
// runtime. It persists importance-weighted memory entries for short- and
// long-term recall and accumulates per-model cost records, with in-memory and
// MySQL backed stores behind a common interface.
package memory
