// Package auth authenticates API callers and scopes their requests to an
// owner.
//
// Authenticators vote on a request: Accept (credentials valid), Reject
// (credentials present but invalid) or Abstain (credentials of a kind the
// authenticator does not handle). A Chain asks each authenticator in turn
// and stops at the first non-abstaining vote.
//
// Middleware runs the chain in front of the HTTP routes, applies the
// optional rate limiter and stores the principal's owner in the request
// context, where the conversation stores pick it up.
package auth
