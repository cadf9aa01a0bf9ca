// Package auth authenticates HTTP requests for the screenshots server.
//
// Two credential schemes are supported and may be combined with Chain:
//
//   - "Bearer <jwt>": a token minted by an external CI identity provider
//     (GitLab, GitHub Actions or a configured issuer). BearerAuthenticator
//     resolves the issuer's JWK Set, verifies the token, applies a Policy
//     and maps the claims to a local user, creating it on first use.
//   - "Token <key>": a static API token issued with the create-token
//     command and checked by TokenAuthenticator.
//
// An Authenticator returns (nil, nil) when the request carries no
// credential for its scheme so that the next scheme may be tried. Once a
// credential is present every failure is reported as an
// *AuthenticationFailedError, which matches ErrAuthenticationFailed and the
// specific failure kind with errors.Is:
//
//	res, err := authn.Authenticate(ctx, r)
//	switch {
//	case errors.Is(err, auth.ErrNotAuthorized):
//	    // valid token, project not allowed
//	case errors.Is(err, auth.ErrAuthenticationFailed):
//	    // rejected credential; respond 401
//	case res == nil:
//	    // anonymous
//	}
//
// # Issuers
//
// https://gitlab.com and https://github.com are built in. Further issuers are
// supplied with WithProviders or WithProviderSource; a source func is called
// per request so configuration reloads apply without rebuilding the
// authenticator.
//
// # Policy
//
// By default every verified token is authorized unless a project allow-list
// is configured, in which case the token's project_path (GitLab) or
// repository (GitHub) claim must be listed. WithPolicy replaces the default.
package auth
