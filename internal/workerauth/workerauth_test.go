package workerauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateRoundTrip(t *testing.T) {
	i := New("test-secret")
	token, err := i.Issue("worker-1", time.Minute)
	require.NoError(t, err)

	workerID, err := i.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "worker-1", workerID)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	i := New("test-secret")
	token, err := i.Issue("worker-1", -time.Minute)
	require.NoError(t, err)

	_, err = i.Validate(token)
	require.Error(t, err)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issuer := New("secret-a")
	token, err := issuer.Issue("worker-1", time.Minute)
	require.NoError(t, err)

	other := New("secret-b")
	_, err = other.Validate(token)
	require.Error(t, err)
}

func TestInertIssuerRejectsEverything(t *testing.T) {
	i := New("")
	require.False(t, i.Enabled())
	_, err := i.Issue("worker-1", time.Minute)
	require.Error(t, err)
	_, err = i.Validate("anything")
	require.Error(t, err)
}
