// Package monitor maintains the live push channel that receives
// server-side expiry warnings for the current session.
//
// Exactly one Channel exists per process session. Connect is idempotent
// while a connection attempt or an open transport is in flight, so UI
// render loops and timers can call it freely without spawning extra
// sockets. Unexpected closes are retried with exponential backoff using
// whatever credential is in the store at reconnect time; once the policy
// is exhausted the whole session is terminated, not just the channel.
//
// The channel is a first responder: a warning frame under the low-water
// mark with call_refresh set invokes the refresh hook directly instead of
// waiting for a subscriber to react.
package monitor
