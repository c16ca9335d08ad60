package coordination

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentfleet/config"
	"github.com/BaSui01/agentfleet/testutil"
	"github.com/BaSui01/agentfleet/types"
)

var testGrantKey = []byte("grant-signing-key-for-tests-0001")

func TestGrantIssuer_RoundTrip(t *testing.T) {
	g, err := NewGrantIssuer(testGrantKey, "agentfleet", time.Minute)
	require.NoError(t, err)

	token, err := g.Issue("agent-7", AccessSwarm)
	require.NoError(t, err)

	claims, err := g.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", claims.Subject)
	assert.Equal(t, AccessSwarm, claims.Level)
	assert.Equal(t, "agentfleet", claims.Issuer)
}

func TestGrantIssuer_ShortKey(t *testing.T) {
	_, err := NewGrantIssuer([]byte("short"), "", time.Minute)
	testutil.AssertErrorCode(t, err, types.ErrValidation)
}

func TestGrantIssuer_Expired(t *testing.T) {
	g, err := NewGrantIssuer(testGrantKey, "agentfleet", time.Minute)
	require.NoError(t, err)

	issuedAt := time.Now()
	g.now = func() time.Time { return issuedAt }
	token, err := g.Issue("agent-7", AccessTeam)
	require.NoError(t, err)

	g.now = func() time.Time { return issuedAt.Add(2 * time.Minute) }
	_, err = g.Verify(token)
	testutil.AssertErrorCode(t, err, types.ErrAccessDenied)
}

func TestGrantIssuer_RejectsForeignTokens(t *testing.T) {
	g, err := NewGrantIssuer(testGrantKey, "agentfleet", time.Minute)
	require.NoError(t, err)

	other, err := NewGrantIssuer([]byte("another-signing-key-for-tests-02"), "agentfleet", time.Minute)
	require.NoError(t, err)
	token, err := other.Issue("agent-7", AccessSystem)
	require.NoError(t, err)
	_, err = g.Verify(token)
	testutil.AssertErrorCode(t, err, types.ErrAccessDenied)

	wrongIssuer, err := NewGrantIssuer(testGrantKey, "someone-else", time.Minute)
	require.NoError(t, err)
	token, err = wrongIssuer.Issue("agent-7", AccessSystem)
	require.NoError(t, err)
	_, err = g.Verify(token)
	testutil.AssertErrorCode(t, err, types.ErrAccessDenied)

	// alg=none 的令牌必须拒绝
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, GrantClaims{
		Level:            AccessSystem,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "agent-7", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = g.Verify(unsigned)
	testutil.AssertErrorCode(t, err, types.ErrAccessDenied)
}

func TestGrantIssuer_IssueValidation(t *testing.T) {
	g, err := NewGrantIssuer(testGrantKey, "", time.Minute)
	require.NoError(t, err)

	_, err = g.Issue("", AccessTeam)
	testutil.AssertErrorCode(t, err, types.ErrValidation)
	_, err = g.Issue("agent", AccessNone)
	testutil.AssertErrorCode(t, err, types.ErrValidation)
}

func TestNewGrantIssuerFromConfig(t *testing.T) {
	g, err := NewGrantIssuerFromConfig(config.AuthConfig{})
	require.NoError(t, err)
	assert.Nil(t, g)

	g, err = NewGrantIssuerFromConfig(config.AuthConfig{
		GrantSigningKey: string(testGrantKey),
		Issuer:          "agentfleet",
		GrantTTL:        time.Hour,
	})
	require.NoError(t, err)
	assert.NotNil(t, g)
}
