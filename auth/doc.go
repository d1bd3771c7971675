// Package auth turns the credential carried by an HTTP request into a
// Principal.
//
// A request carries at most one RawCredential: a session identifier (from
// the session cookie, or the "Session" authorization scheme when enabled)
// or a raw API token (the "Bearer" or "Basic" schemes). The Resolver checks
// it against the session store or the token table and yields either a
// SessionPrincipal or a TokenPrincipal, both of which always carry a fully
// loaded user.
package auth
