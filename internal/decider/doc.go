// Package decider turns a task description plus the agent's accumulated
// context into an executable plan. Two implementations ship with the runtime:
// a deterministic rule-based planner for offline operation and tests, and an
// LLM-backed planner that prompts a model with the capability catalogue,
// relevant memories and the recent conversation window.
package decider
