// Package auth provides the credential validation used when a viewer opens an
// authenticated (non-guest) chat. Credentials are externally issued JWTs; the
// service only verifies them.
//
// The public surface stays small: a Verifier validates a credential
// string and returns a Viewer (or an error). Three constructors cover the
// usual issuer setups:
//
//	NewFromDiscovery  OIDC discovery, auto-refreshing JWKS
//	NewStatic         fixed issuer plus JWKS URL
//	NewSymmetric      HMAC shared secret (reference service, tests)
//
// Example:
//
//	verifier, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "showchat",
//	    auth.WithRequiredScopes("chat:write"),
//	)
//	if err != nil { log.Fatal(err) }
//
//	viewer, err := verifier.Verify(ctx, credential)
//	if errors.Is(err, auth.ErrRejected) { /* reject the chat open */ }
//
// # Errors
//
// ErrRejected signals the token is invalid (signature, expiry, audience,
// etc.). ErrInsufficientScope signals successful authentication but missing
// required scope(s).
package auth
