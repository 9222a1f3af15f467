// Package auth authenticates websocket clients against access gateway tokens.
//
// # Signing keys
//
// The identity provider publishes its public keys at
// https://<team>.cloudflareaccess.com/cdn-cgi/access/certs. CertFetcher reads
// that document (JWKS "keys" plus PEM "public_cert"/"public_certs") into a
// KeySet.
//
// KeyCache holds one KeySet for a TTL (24h by default). A stale or empty cache
// refreshes through a single in-flight fetch; concurrent validators wait on
// that fetch rather than starting their own. Prime performs the startup fetch
// and its failure aborts startup. A failed refresh later on surfaces as
// ErrKeyUnavailable and the token is rejected.
//
// # Tokens
//
// AccessVerifier checks the signature against the cached key, requires an
// expiry in the future and the configured audience, and returns Claims.
//
// # HTTP
//
// Middleware extracts the token (Authorization bearer, then the
// Cf-Access-Jwt-Assertion header, then the CF_Authorization cookie), validates
// it, resolves the user through a UserResolver and attaches an AuthContext:
//
//	401 missing or invalid token
//	500 user lookup failed
//	403 user is inactive
package auth
