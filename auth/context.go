package auth

import "context"

type credentialKey struct{}
type principalKey struct{}

// WithCredential attaches the request's raw credential to ctx.
func WithCredential(ctx context.Context, c RawCredential) context.Context {
	return context.WithValue(ctx, credentialKey{}, c)
}

// CredentialFromContext returns the raw credential, or the absent credential.
func CredentialFromContext(ctx context.Context) RawCredential {
	c, _ := ctx.Value(credentialKey{}).(RawCredential)
	return c
}

// WithPrincipal attaches a resolved principal to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the resolved principal, or nil.
func PrincipalFromContext(ctx context.Context) Principal {
	p, _ := ctx.Value(principalKey{}).(Principal)
	return p
}
