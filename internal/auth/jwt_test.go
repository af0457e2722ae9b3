package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "bearer", header: "Bearer abc.def", want: "abc.def"},
		{name: "case insensitive scheme", header: "bearer abc", want: "abc"},
		{name: "empty", header: "", wantErr: true},
		{name: "wrong scheme", header: "Basic abc", wantErr: true},
		{name: "no token", header: "Bearer   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractToken(tt.header)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTokenFromRequest_QueryWinsOverHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=from-query", nil)
	r.Header.Set("Authorization", "Bearer from-header")

	got, err := TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "from-query", got)

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer from-header")
	got, err = TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "from-header", got)

	_, err = TokenFromRequest(httptest.NewRequest("GET", "/ws", nil))
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v, err := NewJWTVerifier("s3cret", "docsync")
	require.NoError(t, err)

	token, err := Sign("s3cret", "docsync", "user-1", "a@example.com", "admin", time.Minute)
	require.NoError(t, err)

	id, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, &Identity{UserID: "user-1", Email: "a@example.com", Role: "admin"}, id)
}

func TestJWTVerifier_Rejects(t *testing.T) {
	v, err := NewJWTVerifier("s3cret", "docsync")
	require.NoError(t, err)

	wrongKey, _ := Sign("other", "docsync", "u", "", "", time.Minute)
	expired, _ := Sign("s3cret", "docsync", "u", "", "", -time.Minute)
	wrongIssuer, _ := Sign("s3cret", "elsewhere", "u", "", "", time.Minute)
	noSubject, _ := Sign("s3cret", "docsync", "", "", "", time.Minute)

	for name, token := range map[string]string{
		"wrong key":    wrongKey,
		"expired":      expired,
		"wrong issuer": wrongIssuer,
		"no subject":   noSubject,
		"garbage":      "not-a-jwt",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			assert.Error(t, err)
		})
	}
}

func TestNewJWTVerifier_EmptySecret(t *testing.T) {
	_, err := NewJWTVerifier("", "")
	assert.Error(t, err)
}
