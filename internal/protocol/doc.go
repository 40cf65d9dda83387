// Package protocol defines the JSON messages exchanged with clients over the
// real-time transport: inbound control messages decoded into a closed Kind
// enumeration, the batched frame envelope, and the outbound notifications.
package protocol
