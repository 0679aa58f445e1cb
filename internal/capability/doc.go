// Package capability defines the uniform tool interface the orchestrator
// dispatches through, the startup-time registry that maps capability names to
// implementations, and the built-in capability pack (file I/O, outbound HTTP,
// web search). Registration is static; there is no dynamic code loading.
package capability
