package auth

import (
	"testing"
	"time"

	"github.com/cuemby/marathon/pkg/id"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueVerify_RoundTrip(t *testing.T) {
	iss, err := NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	userID := id.New()
	token, err := iss.Issue(userID, "alice")
	require.NoError(t, err)

	claims, err := iss.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, userID.String(), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
}

func TestVerify_RejectsTokenSignedWithDifferentSecret(t *testing.T) {
	issA, err := NewIssuer("secret-a", time.Hour)
	require.NoError(t, err)
	issB, err := NewIssuer("secret-b", time.Hour)
	require.NoError(t, err)

	token, err := issA.Issue(id.New(), "alice")
	require.NoError(t, err)

	_, err = issB.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsExpiredToken(t *testing.T) {
	// NewIssuer replaces a non-positive TTL with DefaultTokenTTL, so build
	// the issuer directly to mint a token that is already expired.
	iss := &Issuer{secret: []byte("test-secret"), ttl: -time.Hour}

	token, err := iss.Issue(id.New(), "alice")
	require.NoError(t, err)

	_, err = iss.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewIssuer_RejectsEmptySecret(t *testing.T) {
	_, err := NewIssuer("", time.Hour)
	assert.Error(t, err)
}

func TestHashAndCheckPassword_RoundTrip(t *testing.T) {
	hash, err := HashPassword("correct-horse")
	require.NoError(t, err)
	assert.NotEqual(t, "correct-horse", hash)

	assert.True(t, CheckPassword(hash, "correct-horse"))
	assert.False(t, CheckPassword(hash, "wrong-password"))
}

func TestCheckNodeKey(t *testing.T) {
	assert.NoError(t, CheckNodeKey("shared-key", "shared-key"))
	assert.ErrorIs(t, CheckNodeKey("shared-key", "wrong-key"), ErrNodeAuthMismatch)
	assert.Error(t, CheckNodeKey("", "anything"))
}
