// Package session owns the lifecycle of the authenticated session: login,
// single-flight credential refresh, periodic validity checks, the
// refresh-once-then-retry rule for ordinary calls, and idempotent
// termination.
//
// The controller is the only writer of the stored credential and identity.
// Every irrecoverable failure path (rejected refresh, exhausted channel
// reconnects, a second 401 after retry) converges on Terminate, whose
// externally visible effect is a cleared store, a closed push channel, and
// a sign-out signal to whoever registered for one.
package session
