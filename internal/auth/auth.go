// Package auth validates bearer tokens issued by the identity service and
// carries the resulting actor through request contexts.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/errors"
)

// Actor is the authenticated caller. Role is compared by exact match against
// step roles.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Valid reports whether both identity fields are present.
func (a Actor) Valid() bool { return a.ID != "" && a.Role != "" }

type actorKey struct{}

// WithActor stores the actor in ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor stored by the auth middleware.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

// Claims are the JWT claims the service relies on.
type Claims struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a Verifier. An empty issuer accepts any issuer.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses a raw token and returns the actor it names.
func (v *Verifier) Verify(raw string) (Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Actor{}, errors.Wrap(err, errors.ErrCodeUnauthenticated, "invalid token")
	}

	actor := Actor{ID: claims.Subject, Role: claims.Role}
	if !actor.Valid() {
		return Actor{}, errors.New(errors.ErrCodeUnauthenticated, "token must carry sub and role claims")
	}
	return actor, nil
}

// Issue signs a token for a. It exists for local tooling and tests; production
// tokens come from the identity service.
func (v *Verifier) Issue(a Actor, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = a.ID
	if claims.Issuer == "" {
		claims.Issuer = v.issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{Role: a.Role, RegisteredClaims: claims})
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
