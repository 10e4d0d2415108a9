package crypto

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/medhive/coordinator/pkg/errors"
)

func TestIssueVerifyToken(t *testing.T) {
	ks := newTestKeySet(t)

	token, err := ks.IssueToken("client-1", "contributor", time.Hour)
	require.NoError(t, err)

	claims, err := ks.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "client-1", claims.Subject)
	assert.Equal(t, "contributor", claims.Role)
}

func TestVerifyExpiredToken(t *testing.T) {
	ks := newTestKeySet(t)

	token, err := ks.IssueToken("client-1", "contributor", -time.Minute)
	require.NoError(t, err)

	_, err = ks.VerifyToken(token)
	assert.ErrorIs(t, err, pkgerrors.ErrUnauthorized)
}

func TestVerifyTamperedToken(t *testing.T) {
	ks := newTestKeySet(t)

	token, err := ks.IssueToken("client-1", "contributor", time.Hour)
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "." + parts[2][:len(parts[2])-2] + "xx"

	_, err = ks.VerifyToken(tampered)
	assert.ErrorIs(t, err, pkgerrors.ErrUnauthorized)
}

func TestVerifyTokenFromDifferentSecret(t *testing.T) {
	ks := newTestKeySet(t)
	other := newTestKeySet(t)

	token, err := other.IssueToken("client-1", "admin", time.Hour)
	require.NoError(t, err)

	_, err = ks.VerifyToken(token)
	assert.ErrorIs(t, err, pkgerrors.ErrUnauthorized)
}

func TestVerifyUnsignedToken(t *testing.T) {
	ks := newTestKeySet(t)

	// alg=none token: header {"alg":"none","typ":"JWT"}.
	unsigned := "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0.eyJzdWIiOiJjbGllbnQtMSJ9."

	_, err := ks.VerifyToken(unsigned)
	assert.ErrorIs(t, err, pkgerrors.ErrUnauthorized)
}
