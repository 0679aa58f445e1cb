// Package agent contains the core orchestrator responsible for driving a
// task through its decide/dispatch/retry state machine. It coordinates the
// decider, the capability registry, the memory store and the cost tracker,
// and maintains the bounded conversation window shared across tasks.
package agent
