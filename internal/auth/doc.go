// Package auth mints and verifies agent tokens from the shared cluster
// secret.
//
// Tokens are HS256 JWTs. The subject claim is the principal used for
// recovery-registration matching; the optional agent claim pins the token to
// one agent id. The same secret feeds the transport layer's frame key
// derivation, so one configuration value covers both authentication and
// encryption.
package auth
