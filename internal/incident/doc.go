// Package incident defines the incident record shared by every pipeline stage:
// the domain model, the Store and Feed interfaces, field-scoped partial
// updates, and the readiness predicate that gates planning.
package incident
