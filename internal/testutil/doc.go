// Package testutil contains helper builders used across tests to reduce
// boilerplate when constructing step payloads and envelopes. They are not
// intended for production usage.
package testutil
