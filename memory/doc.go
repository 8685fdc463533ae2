// Package memory contains core.FactStore implementations used by the
// retrieve_facts step. Depend on core.FactStore and pick an implementation at
// wiring time.
package memory
