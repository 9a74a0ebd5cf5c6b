package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinitas-lab/tmws/pkg/types"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestTokenRoundTrip(t *testing.T) {
	a := NewAuthenticator(testSecret, true)

	token, err := a.Issue("alice", types.AccessStandard)
	require.NoError(t, err)

	claims, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.AgentID)
	assert.Equal(t, types.AccessStandard, claims.AccessLevel)
}

func TestTokenTamperRejected(t *testing.T) {
	a := NewAuthenticator(testSecret, true)
	token, err := a.Issue("alice", types.AccessStandard)
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	_, err = a.Verify(tampered)
	assert.True(t, types.IsKind(err, types.KindPermission))
}

func TestTokenWrongKeyRejected(t *testing.T) {
	issuer := NewAuthenticator(testSecret, true)
	verifier := NewAuthenticator([]byte("another-key-another-key-another!"), true)

	token, err := issuer.Issue("alice", types.AccessStandard)
	require.NoError(t, err)
	_, err = verifier.Verify(token)
	assert.True(t, types.IsKind(err, types.KindPermission))
}

func TestTokenUnknownAccessLevelRejected(t *testing.T) {
	a := NewAuthenticator(testSecret, true)
	token, err := a.Issue("alice", "superuser")
	require.NoError(t, err)
	_, err = a.Verify(token)
	assert.True(t, types.IsKind(err, types.KindPermission))
}

func TestGarbageTokenRejected(t *testing.T) {
	a := NewAuthenticator(testSecret, true)
	_, err := a.Verify("not.a.token")
	assert.True(t, types.IsKind(err, types.KindPermission))
}
