// Package session owns the access/refresh/session token triple of a client.
//
// A [Manager] writes the tokens to a [Jar] (an in-memory jar for
// long-lived clients, or [HTTPJar] for request-scoped server use). The
// session token is a short-lived JWT derived from the access token: its
// subject is the user id and its "ath" claim binds it to that one access
// token. [Manager.Establish] and [Manager.Clear] are the only writers of
// the three cookies; [Manager.Refresh] goes through Establish.
package session
