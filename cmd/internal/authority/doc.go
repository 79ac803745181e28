// Package authority is the HTTP client for the remote session authority:
// login, refresh, token validity checks, logout, and the current-role
// query used by the claims verifier.
//
// The client distinguishes credential rejection (fatal for the session)
// from transient transport failure (retried, never immediately fatal) so
// the session controller can apply the right escalation policy.
package authority
