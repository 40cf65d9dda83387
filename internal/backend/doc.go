// Package backend runs the coordination loop of a relay backend.
//
// # Overview
//
// A Backend owns one Dispatcher, one task Manager and one subfeed Manager and
// drives all of them from a single goroutine. Nothing else mutates their
// state, so the managers never see concurrent control messages.
//
// # Tick
//
// Every tick the loop:
//
//  1. Renews the registration when it is missing, stale or the transport is
//     down, at most once per retry interval
//  2. Publishes reportAlive and refreshes the config object when due
//  3. Reloads user permissions when due
//  4. Routes every inbound control message already received
//  5. Iterates the task manager, the subfeed manager and the dispatcher
//
// # Routing
//
// Inbound messages decode into protocol.Inbound. The caller is identified by
// the optional idToken; an invalid token is treated as anonymous. Denied
// appends and permission reads are dropped with a debug log.
package backend
