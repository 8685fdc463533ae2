// Package connector invokes external capabilities from connector_call steps.
//
// A Connector performs a single attempt. The Executor wraps every call with
// bounded retries, per-attempt timeouts, a role allowlist and an optional OPA
// policy gate, and turns every outcome into a Result carrying connector.*
// metadata. Allowlist and policy refusals always fail closed.
//
// Implementations: FunctionConnector (Go func), HTTPConnector, CLIConnector
// and MCPConnector (streamable HTTP MCP tools).
package connector
