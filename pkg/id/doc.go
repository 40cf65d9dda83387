// Package id mints sortable 128-bit identifiers for local jobs.
//
// Usage
//
//	g := id.NewGenerator()
//	jobID := g.Next().String()
package id
