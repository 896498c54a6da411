package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuth(t *testing.T, opts ...AuthOption) (*Auth, []byte) {
	t.Helper()
	privateKey, publicKey, err := NewPartyKey()
	require.NoError(t, err)
	auth, err := NewAuth(map[string][]byte{"TUDA1": publicKey}, opts...)
	require.NoError(t, err)
	return auth, privateKey
}

func TestVerifyChallenge_Success(t *testing.T) {
	auth, privateKey := newTestAuth(t)

	challenge, err := auth.issueChallenge("TUDA1")
	require.NoError(t, err)

	encryptedToken, err := SealChallenge(challenge, privateKey, auth.ServerPublicKey())
	assert.NoError(t, err)

	err = auth.verifyChallenge("TUDA1", encryptedToken)
	assert.NoError(t, err)

	// challenges are single use
	err = auth.verifyChallenge("TUDA1", encryptedToken)
	assert.ErrorIs(t, err, errNoChallenge)
}

func TestVerifyChallenge_NoChallenge(t *testing.T) {
	auth, _ := newTestAuth(t)
	err := auth.verifyChallenge("TUDA1", "!!!!")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no challenge")
}

func TestVerifyChallenge_WrongPartyKey(t *testing.T) {
	auth, _ := newTestAuth(t)
	otherKey, _, err := NewPartyKey()
	require.NoError(t, err)

	challenge, err := auth.issueChallenge("TUDA1")
	require.NoError(t, err)
	encryptedToken, err := SealChallenge(challenge, otherKey, auth.ServerPublicKey())
	require.NoError(t, err)

	err = auth.verifyChallenge("TUDA1", encryptedToken)
	assert.EqualError(t, err, "challenge failed")
}

func TestVerifyChallenge_InvalidBase64(t *testing.T) {
	auth, _ := newTestAuth(t)
	_, err := auth.issueChallenge("TUDA1")
	require.NoError(t, err)

	err = auth.verifyChallenge("TUDA1", "%%%")
	assert.EqualError(t, err, "invalid base64")
}

func TestVerifyChallenge_ReissueReplaces(t *testing.T) {
	auth, privateKey := newTestAuth(t)

	first, err := auth.issueChallenge("TUDA1")
	require.NoError(t, err)
	_, err = auth.issueChallenge("TUDA1")
	require.NoError(t, err)

	encryptedToken, err := SealChallenge(first, privateKey, auth.ServerPublicKey())
	require.NoError(t, err)
	assert.Error(t, auth.verifyChallenge("TUDA1", encryptedToken))
}

func TestIssueChallenge_UnknownParty(t *testing.T) {
	auth, _ := newTestAuth(t)
	_, err := auth.issueChallenge("TUDA9")
	assert.Error(t, err)
}

func TestNewAuth_InvalidPartyKey(t *testing.T) {
	_, err := NewAuth(map[string][]byte{"TUDA1": []byte("short")})
	assert.Error(t, err)
}

func TestChallengeAuth_Unauthorized(t *testing.T) {
	auth, _ := newTestAuth(t)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/credential/TUDA1", nil)
	req.Header.Set("Authorization", "invalid")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("party")
	c.SetParamValues("TUDA1")

	h := auth.challengeAuth(func(c echo.Context) error {
		return c.String(http.StatusOK, "pass")
	})

	err := h(c)
	httpErr, ok := err.(*echo.HTTPError)
	assert.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
	assert.Contains(t, httpErr.Message, "no challenge")
}
