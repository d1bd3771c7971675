package api_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/coditime/accounts"
	"github.com/jmcleod/coditime/api"
	"github.com/jmcleod/coditime/auth"
	"github.com/jmcleod/coditime/cliaccess"
	"github.com/jmcleod/coditime/session"
	"github.com/jmcleod/coditime/storage"
	"github.com/jmcleod/coditime/storage/memory"
)

const testPassword = "correct horse battery"

func setupServer(t *testing.T, opts ...api.Option) *httptest.Server {
	t.Helper()
	store := memory.New()
	sessions := session.NewMemoryStore(16, session.WithSweepInterval(0))
	accts := accounts.New(store, accounts.WithBcryptCost(bcrypt.MinCost))
	cli := cliaccess.New(accts, accts, cliaccess.WithSweepInterval(0))

	a := api.New(accts, sessions, cli, opts...)
	r := chi.NewRouter()
	r.Mount("/api", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		a.Close()
		cli.Close()
		_ = sessions.Close()
		_ = store.Close()
	})
	return srv
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func do(t *testing.T, client *http.Client, method, url string, body any, header http.Header) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) *http.Response {
	t.Helper()
	return do(t, client, method, url, body, nil)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

func forwardedFor(ip string) http.Header {
	return http.Header{"X-Forwarded-For": {ip}}
}

func register(t *testing.T, client *http.Client, baseURL, username string) {
	t.Helper()
	resp := doJSON(t, client, http.MethodPost, baseURL+"/api/register", api.RegisterRequest{
		Username: username,
		Email:    username + "@example.com",
		Password: testPassword,
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func login(t *testing.T, client *http.Client, baseURL, username string) api.LoginResponse {
	t.Helper()
	resp := doJSON(t, client, http.MethodPost, baseURL+"/api/login", api.LoginRequest{
		UsernameOrEmail: username,
		Password:        testPassword,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[api.LoginResponse](t, resp)
}

func createKey(t *testing.T, client *http.Client, baseURL string) api.CreateAPIKeyResponse {
	t.Helper()
	resp := doJSON(t, client, http.MethodPost, baseURL+"/api/me/api-keys", api.CreateAPIKeyRequest{
		Name:        "editor",
		Permissions: []storage.Permission{storage.PermissionWriteHeartbeat},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[api.CreateAPIKeyResponse](t, resp)
}

func TestRegisterLoginMe(t *testing.T) {
	srv := setupServer(t)
	client := newClient(t)

	state := decode[api.StateResponse](t, doJSON(t, client, http.MethodGet, srv.URL+"/api/state", nil))
	assert.True(t, state.IsFirstUser)
	assert.Nil(t, state.Recaptcha)

	register(t, client, srv.URL, "alice")
	state = decode[api.StateResponse](t, doJSON(t, client, http.MethodGet, srv.URL+"/api/state", nil))
	assert.False(t, state.IsFirstUser)

	// Unauthenticated /me is rejected.
	resp := doJSON(t, client, http.MethodGet, srv.URL+"/api/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	lr := login(t, client, srv.URL, "Alice@Example.com")
	assert.Equal(t, "alice", lr.User.Username)
	assert.True(t, lr.User.IsAdmin)
	assert.NotEmpty(t, lr.Session.ID)

	var cookie *http.Cookie
	for _, c := range client.Jar.Cookies(mustURL(t, srv.URL)) {
		if c.Name == auth.DefaultCookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, lr.Session.ID, cookie.Value)

	resp = doJSON(t, client, http.MethodGet, srv.URL+"/api/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[api.User](t, resp)
	assert.Equal(t, lr.User.ID, me.ID)
	assert.Equal(t, "alice@example.com", me.Email)
}

func TestLoginCookieAttributes(t *testing.T) {
	srv := setupServer(t)
	client := newClient(t)
	register(t, client, srv.URL, "alice")

	resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/login", api.LoginRequest{UsernameOrEmail: "alice", Password: testPassword})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	setCookie := resp.Header.Get("Set-Cookie")
	assert.Contains(t, setCookie, "HttpOnly")
	assert.Contains(t, setCookie, "SameSite=Strict")
	assert.NotContains(t, setCookie, "Secure")
}

func TestRegistrationRules(t *testing.T) {
	t.Run("ClosedAfterFirstUser", func(t *testing.T) {
		srv := setupServer(t)
		client := newClient(t)
		register(t, client, srv.URL, "alice")

		resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/register", api.RegisterRequest{
			Username: "bob", Email: "bob@example.com", Password: testPassword,
		})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("ConcurrentFirstRegistration", func(t *testing.T) {
		srv := setupServer(t)

		const n = 4
		statuses := make(chan int, n)
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				name := fmt.Sprintf("user%d", i)
				body, _ := json.Marshal(api.RegisterRequest{Username: name, Email: name + "@example.com", Password: testPassword})
				resp, err := http.Post(srv.URL+"/api/register", "application/json", bytes.NewReader(body))
				if !assert.NoError(t, err) {
					return
				}
				resp.Body.Close()
				statuses <- resp.StatusCode
			}()
		}
		wg.Wait()
		close(statuses)

		counts := map[int]int{}
		for status := range statuses {
			counts[status]++
		}
		assert.Equal(t, map[int]int{http.StatusNoContent: 1, http.StatusForbidden: n - 1}, counts)
	})

	t.Run("PublicRegistration", func(t *testing.T) {
		srv := setupServer(t, api.WithPublicRegistration(true))
		client := newClient(t)
		register(t, client, srv.URL, "alice")
		register(t, client, srv.URL, "bob")

		resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/register", api.RegisterRequest{
			Username: "bob", Email: "other@example.com", Password: testPassword,
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)

		lr := login(t, client, srv.URL, "bob")
		assert.False(t, lr.User.IsAdmin)
	})

	t.Run("InvalidInput", func(t *testing.T) {
		srv := setupServer(t)
		client := newClient(t)
		resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/register", api.RegisterRequest{
			Username: "alice", Email: "not-an-email", Password: testPassword,
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp = do(t, client, http.MethodPost, srv.URL+"/api/register", nil, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("RejectedWhenAuthenticated", func(t *testing.T) {
		srv := setupServer(t, api.WithPublicRegistration(true))
		client := newClient(t)
		register(t, client, srv.URL, "alice")
		login(t, client, srv.URL, "alice")

		resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/register", api.RegisterRequest{
			Username: "bob", Email: "bob@example.com", Password: testPassword,
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestLoginFailures(t *testing.T) {
	srv := setupServer(t)
	client := newClient(t)
	register(t, client, srv.URL, "alice")

	resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/login", api.LoginRequest{UsernameOrEmail: "alice", Password: "wrong password"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = doJSON(t, client, http.MethodPost, srv.URL+"/api/login", api.LoginRequest{UsernameOrEmail: "nobody", Password: testPassword})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = doJSON(t, client, http.MethodPost, srv.URL+"/api/login", api.LoginRequest{UsernameOrEmail: "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLoginRateLimited(t *testing.T) {
	srv := setupServer(t)
	client := newClient(t)
	register(t, client, srv.URL, "alice")

	var limited *http.Response
	for range 10 {
		resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/login", api.LoginRequest{UsernameOrEmail: "alice", Password: "wrong password"})
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = resp
			break
		}
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	require.NotNil(t, limited, "expected the account to be locked out")
	assert.NotEmpty(t, limited.Header.Get("Retry-After"))

	// The correct password does not get through a lockout either.
	resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/login", api.LoginRequest{UsernameOrEmail: "alice", Password: testPassword})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestLogout(t *testing.T) {
	srv := setupServer(t)
	client := newClient(t)
	register(t, client, srv.URL, "alice")
	lr := login(t, client, srv.URL, "alice")

	resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/logout", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, client, http.MethodGet, srv.URL+"/api/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The old identifier is dead even when presented directly.
	resp = do(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/me", nil,
		http.Header{"Cookie": {auth.DefaultCookieName + "=" + lr.Session.ID}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Logging out again is harmless.
	resp = doJSON(t, client, http.MethodPost, srv.URL+"/api/logout", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestSessionHeader(t *testing.T) {
	t.Run("Allowed", func(t *testing.T) {
		srv := setupServer(t, api.WithExtractor(auth.Extractor{AllowSessionHeader: true}))
		client := newClient(t)
		register(t, client, srv.URL, "alice")
		lr := login(t, client, srv.URL, "alice")

		resp := do(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/me", nil,
			http.Header{"Authorization": {"Session " + lr.Session.ID}})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("Disallowed", func(t *testing.T) {
		srv := setupServer(t)
		client := newClient(t)
		register(t, client, srv.URL, "alice")
		lr := login(t, client, srv.URL, "alice")

		resp := do(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/me", nil,
			http.Header{"Authorization": {"Session " + lr.Session.ID}})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestAPIKeys(t *testing.T) {
	srv := setupServer(t)
	client := newClient(t)
	register(t, client, srv.URL, "alice")
	login(t, client, srv.URL, "alice")

	created := createKey(t, client, srv.URL)
	require.NotEmpty(t, created.Token)
	assert.Equal(t, "editor", created.Key.Name)

	t.Run("BearerAuthenticates", func(t *testing.T) {
		resp := do(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/me", nil, bearer(created.Token))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "alice", decode[api.User](t, resp).Username)
	})

	t.Run("BasicAuthenticates", func(t *testing.T) {
		basic := base64.StdEncoding.EncodeToString([]byte(created.Token + ":"))
		resp := do(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/me", nil,
			http.Header{"Authorization": {"Basic " + basic}})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("InvalidTokenRejected", func(t *testing.T) {
		resp := do(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/me", nil, bearer("not-a-token"))
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "invalid credentials", decode[api.ErrorResponse](t, resp).Error)
	})

	t.Run("SessionOnlyRoutes", func(t *testing.T) {
		resp := do(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/me/api-keys",
			api.CreateAPIKeyRequest{Name: "nope"}, bearer(created.Token))
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp = do(t, http.DefaultClient, http.MethodPut, srv.URL+"/api/me/update/password",
			api.UpdatePasswordRequest{OldPassword: testPassword, Password: "another password"}, bearer(created.Token))
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("BasicRawTokenAuthenticates", func(t *testing.T) {
		resp := do(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/me", nil,
			http.Header{"Authorization": {"Basic " + created.Token}})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("ListNeedsReadUsage", func(t *testing.T) {
		resp := do(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/me/api-keys", nil, bearer(created.Token))
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Contains(t, decode[api.ErrorResponse](t, resp).Error, "lacks the required permission")
	})

	t.Run("ListWithToken", func(t *testing.T) {
		resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/me/api-keys", api.CreateAPIKeyRequest{
			Name:        "reader",
			Permissions: []storage.Permission{storage.PermissionReadUsage},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		reader := decode[api.CreateAPIKeyResponse](t, resp)

		resp = do(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/me/api-keys?limit=1", nil, bearer(reader.Token))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		list := decode[api.ListAPIKeysResponse](t, resp)
		require.Len(t, list.Keys, 1)
		assert.Equal(t, 2, list.TotalCount)
		assert.True(t, list.HasMore)
	})

	t.Run("InvalidRequest", func(t *testing.T) {
		resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/me/api-keys", api.CreateAPIKeyRequest{
			Name: "bad", Permissions: []storage.Permission{"Everything"},
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp = doJSON(t, client, http.MethodDelete, srv.URL+"/api/me/api-keys/abc", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp = doJSON(t, client, http.MethodDelete, srv.URL+"/api/me/api-keys/99999", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("Revoke", func(t *testing.T) {
		url := srv.URL + "/api/me/api-keys/" + strconv.FormatInt(created.Key.ID, 10)
		resp := doJSON(t, client, http.MethodDelete, url, nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = do(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/me", nil, bearer(created.Token))
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestUpdatePassword(t *testing.T) {
	srv := setupServer(t)
	client := newClient(t)
	other := newClient(t)
	register(t, client, srv.URL, "alice")
	login(t, client, srv.URL, "alice")
	login(t, other, srv.URL, "alice")
	key := createKey(t, client, srv.URL)

	resp := doJSON(t, client, http.MethodPut, srv.URL+"/api/me/update/password", api.UpdatePasswordRequest{
		OldPassword: "wrong password", Password: "a new password",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, client, http.MethodPut, srv.URL+"/api/me/update/password", api.UpdatePasswordRequest{
		OldPassword: testPassword, Password: "short",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, client, http.MethodPut, srv.URL+"/api/me/update/password", api.UpdatePasswordRequest{
		OldPassword:   testPassword,
		Password:      "a new password",
		ForceLogout:   true,
		RemoveAPIKeys: true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[api.UpdatePasswordResponse](t, resp)
	assert.Equal(t, 1, out.RemovedSessions)
	assert.Equal(t, 1, out.RemovedAPIKeys)

	// The session that changed the password survives; the other does not.
	assert.Equal(t, http.StatusOK, doJSON(t, client, http.MethodGet, srv.URL+"/api/me", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, doJSON(t, other, http.MethodGet, srv.URL+"/api/me", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, do(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/me", nil, bearer(key.Token)).StatusCode)

	resp = doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/login", api.LoginRequest{UsernameOrEmail: "alice", Password: "a new password"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetUser(t *testing.T) {
	srv := setupServer(t)
	client := newClient(t)
	register(t, client, srv.URL, "alice")
	lr := login(t, client, srv.URL, "alice")

	for _, ref := range []string{"alice", strconv.FormatInt(lr.User.ID, 10)} {
		resp := doJSON(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/user/"+ref, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, ref)
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "alice", body["username"])
		assert.NotContains(t, body, "email")
	}

	resp := doJSON(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/user/nobody", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCLIPairing(t *testing.T) {
	srv := setupServer(t, api.WithHomeURL("https://time.example.com/"))
	client := newClient(t)
	register(t, client, srv.URL, "alice")

	resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/cli/init-session", map[string]string{
		"machine_hostname": "laptop",
		"cli_version":      "1.2.0",
		"cli_platform":     "linux",
		"username":         "alice",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	initResp := decode[api.InitCLISessionResponse](t, resp)
	key := initResp.Token
	assert.GreaterOrEqual(t, len(key), cliaccess.MinKeyLength)
	assert.Equal(t, "https://time.example.com/login-cli/"+key, initResp.AbsoluteURL)

	retrieveURL := srv.URL + "/api/cli/retrieve-result/" + key
	resp = doJSON(t, http.DefaultClient, http.MethodGet, retrieveURL, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "pending", decode[api.CLIAccessPendingResponse](t, resp).Status)

	resp = doJSON(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/cli/pending/"+key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pending := decode[api.PendingCLIAccessResponse](t, resp)
	assert.Equal(t, "laptop", pending.FromCLI.MachineHostname)
	assert.Equal(t, "alice", pending.Username)

	completeURL := srv.URL + "/api/cli/complete-access/" + key
	resp = doJSON(t, http.DefaultClient, http.MethodPost, completeURL, api.LoginRequest{UsernameOrEmail: "alice", Password: "wrong password"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodPost, completeURL, api.LoginRequest{UsernameOrEmail: "alice", Password: testPassword})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// A key can only be approved once.
	resp = doJSON(t, http.DefaultClient, http.MethodPost, completeURL, api.LoginRequest{UsernameOrEmail: "alice", Password: testPassword})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = doJSON(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/cli/pending/"+key, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodGet, retrieveURL, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[api.CLIAccessResult](t, resp)
	require.NotEmpty(t, result.Token)
	assert.Equal(t, "cli@laptop", result.Key.Name)
	assert.ElementsMatch(t, storage.AllPermissions(), result.Key.Permissions)

	// The token is handed out exactly once.
	resp = doJSON(t, http.DefaultClient, http.MethodGet, retrieveURL, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = do(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/me", nil, bearer(result.Token))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", decode[api.User](t, resp).Username)
}

func TestCLIPairingIPMismatch(t *testing.T) {
	loopback := []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8"), netip.MustParsePrefix("::1/128")}
	srv := setupServer(t, api.WithTrustedProxies(loopback))
	client := newClient(t)
	register(t, client, srv.URL, "alice")

	resp := do(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/cli/init-session",
		map[string]string{"machine_hostname": "laptop"}, forwardedFor("198.51.100.1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	key := decode[api.InitCLISessionResponse](t, resp).Token

	resp = do(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/cli/complete-access/"+key,
		api.LoginRequest{UsernameOrEmail: "alice", Password: testPassword}, forwardedFor("203.0.113.9"))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	retrieveURL := srv.URL + "/api/cli/retrieve-result/" + key
	resp = do(t, http.DefaultClient, http.MethodGet, retrieveURL, nil, forwardedFor("198.51.100.2"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The result was discarded, so the rightful caller gets nothing either.
	resp = do(t, http.DefaultClient, http.MethodGet, retrieveURL, nil, forwardedFor("198.51.100.1"))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// And the minted token was revoked.
	login(t, client, srv.URL, "alice")
	resp = doJSON(t, client, http.MethodGet, srv.URL+"/api/me/api-keys", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	keys := decode[api.ListAPIKeysResponse](t, resp).Keys
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].RevokedAt)
}

func TestCLICompleteUnknownKey(t *testing.T) {
	srv := setupServer(t)
	client := newClient(t)
	register(t, client, srv.URL, "alice")

	resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/cli/complete-access/"+strings.Repeat("x", 16),
		api.LoginRequest{UsernameOrEmail: "alice", Password: testPassword})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSecurityHeaders(t *testing.T) {
	srv := setupServer(t)
	resp := doJSON(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/state", nil)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Empty(t, resp.Header.Get("Strict-Transport-Security"))
}

func TestOpenAPIServed(t *testing.T) {
	srv := setupServer(t)
	resp := doJSON(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/openapi.yaml", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "yaml")
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
