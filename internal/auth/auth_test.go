package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-erp-approvals/internal/errors"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("secret", "identity")
	tok, err := v.Issue(Actor{ID: "u-1", Role: "project_manager"}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)

	actor, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, Actor{ID: "u-1", Role: "project_manager"}, actor)
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("secret", "identity")
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	wrongSecret, err := NewVerifier("other", "identity").Issue(Actor{ID: "u", Role: "r"}, jwt.RegisteredClaims{ExpiresAt: exp})
	require.NoError(t, err)
	expired, err := v.Issue(Actor{ID: "u", Role: "r"}, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))})
	require.NoError(t, err)
	noRole, err := v.Issue(Actor{ID: "u"}, jwt.RegisteredClaims{ExpiresAt: exp})
	require.NoError(t, err)
	wrongIssuer, err := v.Issue(Actor{ID: "u", Role: "r"}, jwt.RegisteredClaims{ExpiresAt: exp, Issuer: "elsewhere"})
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"garbage":      "not-a-token",
		"wrong secret": wrongSecret,
		"expired":      expired,
		"no role":      noRole,
		"wrong issuer": wrongIssuer,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(tok)
			assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthenticated), "got %v", err)
		})
	}
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer abc.def")
	assert.True(t, ok)
	assert.Equal(t, "abc.def", tok)

	tok, ok = BearerToken("bearer   xyz")
	assert.True(t, ok)
	assert.Equal(t, "xyz", tok)

	for _, h := range []string{"", "Basic abc", "Bearer", "Bearer   "} {
		_, ok := BearerToken(h)
		assert.False(t, ok, h)
	}
}

func TestActorContext(t *testing.T) {
	_, ok := ActorFrom(context.Background())
	assert.False(t, ok)

	ctx := WithActor(context.Background(), Actor{ID: "a", Role: "finance"})
	a, ok := ActorFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "finance", a.Role)
}
