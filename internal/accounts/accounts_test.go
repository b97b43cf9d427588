package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

func TestTokenRoundTrip(t *testing.T) {
	raw, err := GenerateToken("secret", Claims{Account: "acc-1", Workspace: "ws", SocialIDs: []string{"s1"}}, time.Minute)
	require.NoError(t, err)

	claims, err := ParseToken("secret", "Bearer "+raw, "ws")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", claims.Account)
	assert.True(t, claims.AccountOf().OwnsSocialID("s1"))
}

func TestParseTokenRejects(t *testing.T) {
	valid, err := GenerateToken("secret", Claims{Account: "acc-1", Workspace: "ws"}, time.Minute)
	require.NoError(t, err)
	expired, err := GenerateToken("secret", Claims{Account: "acc-1", Workspace: "ws"}, -time.Minute)
	require.NoError(t, err)
	noAccount, err := GenerateToken("secret", Claims{Workspace: "ws"}, time.Minute)
	require.NoError(t, err)

	cases := []struct {
		name      string
		secret    string
		token     string
		workspace string
	}{
		{"empty", "secret", "", "ws"},
		{"wrong secret", "other", valid, "ws"},
		{"wrong workspace", "secret", valid, "other"},
		{"expired", "secret", expired, "ws"},
		{"missing account", "secret", noAccount, "ws"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseToken(tc.secret, tc.token, tc.workspace)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestServiceTokensAreReused(t *testing.T) {
	provider := ServiceTokens("secret", "ws")
	first, err := provider(context.Background())
	require.NoError(t, err)
	second, err := provider(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	claims, err := ParseToken("secret", first, "ws")
	require.NoError(t, err)
	assert.Equal(t, relaychat.SystemAccount, claims.Account)
}

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver(false)
	r.Add("s1", Person{UUID: "p1", Name: "Ann", HasAccount: true})
	r.Add("s2", Person{UUID: "p2", Name: "Bot"})
	ctx := context.Background()

	uuid, err := r.FindPersonUUID(ctx, "s2", false)
	require.NoError(t, err)
	assert.Equal(t, "p2", uuid)

	uuid, err = r.FindPersonUUID(ctx, "s2", true)
	require.NoError(t, err)
	assert.Empty(t, uuid)

	name, err := r.FindName(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Ann", name)

	uuid, err = r.FindPersonUUID(ctx, "unknown", false)
	require.NoError(t, err)
	assert.Empty(t, uuid)

	r.Passthrough = true
	uuid, err = r.FindPersonUUID(ctx, "unknown", true)
	require.NoError(t, err)
	assert.Equal(t, "unknown", uuid)
}

func TestHTTPResolver(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "Bearer service-token", r.Header.Get("Authorization"))
		var req struct {
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch {
		case req.Method == "findPersonBySocialId" && req.Params["socialId"] == "s1":
			_, _ = w.Write([]byte(`{"result":"p1"}`))
		case req.Method == "findPersonBySocialId":
			_, _ = w.Write([]byte(`{"result":null}`))
		case req.Method == "getPersonInfoBySocialId":
			_, _ = w.Write([]byte(`{"result":{"name":"Ann"}}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":"unknown_method","message":"nope"}}`))
		}
	}))
	defer server.Close()

	resolver, err := NewHTTPResolver(HTTPResolverOptions{
		BaseURL:       server.URL,
		TokenProvider: func(context.Context) (string, error) { return "service-token", nil },
	})
	require.NoError(t, err)
	ctx := context.Background()

	uuid, err := resolver.FindPersonUUID(ctx, "s1", true)
	require.NoError(t, err)
	assert.Equal(t, "p1", uuid)

	uuid, err = resolver.FindPersonUUID(ctx, "s9", true)
	require.NoError(t, err)
	assert.Empty(t, uuid)

	name, err := resolver.FindName(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Ann", name)

	var rpcErr *RPCError
	err = resolver.call(ctx, "bogus", nil, nil)
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, "unknown_method", rpcErr.Code)
	assert.Equal(t, int32(4), calls.Load())
}

func TestHTTPResolverRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"result":"p1"}`))
	}))
	defer server.Close()

	resolver, err := NewHTTPResolver(HTTPResolverOptions{BaseURL: server.URL, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	require.NoError(t, err)

	uuid, err := resolver.FindPersonUUID(context.Background(), "s1", false)
	require.NoError(t, err)
	assert.Equal(t, "p1", uuid)
	assert.Equal(t, int32(3), calls.Load())
}
