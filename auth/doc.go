// Package auth provides bearer token authentication for the node's HTTP
// control surface. An Authenticator validates an incoming token string and
// returns a UserInfo (or an error); the transport extracts the token from the
// request and maps the sentinel errors into HTTP challenges.
//
// # Access Token Authentication
//
// NewFromDiscovery validates RFC 9068 access tokens using OpenID Connect
// discovery to locate the issuer's JWKS. NewStatic skips discovery and reads
// keys from a configured JWKS URI, which suits air-gapped deployments where
// the orchestrator mints its own tokens.
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://node-1.example/smc",
//	    auth.WithRequiredScopes("smc:control"),
//	)
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// etc.). ErrInsufficientScope signals successful authentication but missing
// required scope(s).
package auth
