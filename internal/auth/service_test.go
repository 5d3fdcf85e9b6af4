package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	svc := NewService("test-secret", "splitledger")

	t.Run("should round-trip a member identity", func(t *testing.T) {
		member := uuid.New()
		token, err := svc.IssueToken(member, time.Hour)
		require.NoError(t, err)
		require.NotEmpty(t, token)

		claims, err := svc.VerifyToken(token)
		require.NoError(t, err)
		assert.Equal(t, member, claims.Member)
		assert.Equal(t, "splitledger", claims.Issuer)
	})

	t.Run("should accept a Bearer prefix", func(t *testing.T) {
		member := uuid.New()
		token, err := svc.IssueToken(member, time.Hour)
		require.NoError(t, err)

		claims, err := svc.VerifyToken("Bearer " + token)
		require.NoError(t, err)
		assert.Equal(t, member, claims.Member)
	})

	t.Run("should reject an expired token", func(t *testing.T) {
		token, err := svc.IssueToken(uuid.New(), -time.Minute)
		require.NoError(t, err)

		_, err = svc.VerifyToken(token)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("should reject a token signed with another secret", func(t *testing.T) {
		other := NewService("other-secret", "splitledger")
		token, err := other.IssueToken(uuid.New(), time.Hour)
		require.NoError(t, err)

		_, err = svc.VerifyToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject garbage", func(t *testing.T) {
		_, err := svc.VerifyToken("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject a nil member identity", func(t *testing.T) {
		token, err := svc.IssueToken(uuid.Nil, time.Hour)
		require.NoError(t, err)

		_, err = svc.VerifyToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
