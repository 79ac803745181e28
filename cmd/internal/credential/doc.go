// Package credential is the single point of truth for the authenticated
// session's durable state: the access/refresh token pair and the cached
// identity record.
//
// The token pair is persisted as one opaque record so that readers can
// never observe an access token from one refresh paired with a refresh
// token from another. Persistence is pluggable behind KeyValueStore
// (in-memory for tests, SQLite for local clients, Postgres for shared
// deployments) and records can optionally be sealed at rest.
//
// Only the session controller writes credentials; everything else reads.
package credential
