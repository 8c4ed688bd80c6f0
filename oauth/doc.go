// Package oauth implements the authorization-code + PKCE flow for upstream
// identity providers. A Manager tracks pending authorization requests keyed
// by a single-use state token, exchanges authorization codes for tokens, and
// serves access tokens with transparent refresh-ahead. Token records persist
// through a pluggable TokenStore with in-memory and Redis backends.
package oauth
