package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"gigledger/core/state"
	"gigledger/native/engage"
	"gigledger/storage"
)

const (
	testSecret = "gateway-test-secret"
	testIssuer = "gigledger-test"
)

func testAddr(b byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = b
	}
	return addr
}

type gatewayEnv struct {
	manager *state.Manager
	server  *httptest.Server

	organization [20]byte
	provider     [20]byte
	arbiter      [20]byte
	custody      [20]byte
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()
	env := &gatewayEnv{
		manager:      state.NewManager(storage.NewMemDB()),
		organization: testAddr(0x01),
		provider:     testAddr(0x02),
		arbiter:      testAddr(0x03),
		custody:      testAddr(0xEE),
	}
	require.NoError(t, env.manager.Run(func() error {
		if err := env.manager.Mint(env.organization, big.NewInt(10_000)); err != nil {
			return err
		}
		return env.manager.RoleGrant(state.RoleArbiter, env.arbiter)
	}))

	engine := engage.NewEngine()
	engine.SetState(env.manager)
	engine.SetTransfer(env.manager)
	engine.SetAccessControl(env.manager)
	engine.SetCustodySink(env.custody)

	auth := NewAuthenticator(AuthConfig{Secret: testSecret, Issuer: testIssuer})
	store, err := NewAuditStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv := NewServer(engine, env.manager, auth, NewRateLimiter(100, 100), store, nil)
	env.server = httptest.NewServer(srv.Router())
	t.Cleanup(env.server.Close)
	return env
}

func signToken(t *testing.T, addr [20]byte, scopes ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": hexAddress(addr),
		"iss": testIssuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if len(scopes) > 0 {
		scope := scopes[0]
		for _, extra := range scopes[1:] {
			scope += " " + extra
		}
		claims["scope"] = scope
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func (env *gatewayEnv) do(t *testing.T, method, path, token string, payload interface{}, headers map[string]string) (int, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, env.server.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := env.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (env *gatewayEnv) balance(t *testing.T, addr [20]byte) *big.Int {
	t.Helper()
	account, err := env.manager.GetAccount(addr)
	require.NoError(t, err)
	return account.Balance
}

func TestGatewayLifecycle(t *testing.T) {
	env := newGatewayEnv(t)
	orgToken := signToken(t, env.organization)
	providerToken := signToken(t, env.provider)

	status, body := env.do(t, http.MethodPost, "/v1/escrows", orgToken, map[string]string{
		"provider":    hexAddress(env.provider),
		"projectId":   "site-rebuild",
		"grossAmount": "1000",
		"note":        "phase one",
	}, nil)
	require.Equal(t, http.StatusCreated, status, string(body))
	require.Equal(t, big.NewInt(1000), env.balance(t, env.custody))
	require.Equal(t, big.NewInt(9000), env.balance(t, env.organization))

	status, body = env.do(t, http.MethodPost, "/v1/escrows/complete", providerToken, map[string]string{
		"organization": hexAddress(env.organization),
		"projectId":    "site-rebuild",
		"grossAmount":  "1000",
	}, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = env.do(t, http.MethodPost, "/v1/escrows/approve", orgToken, map[string]string{
		"provider":    hexAddress(env.provider),
		"projectId":   "site-rebuild",
		"grossAmount": "1000",
	}, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	require.Equal(t, big.NewInt(870), env.balance(t, env.provider))
	require.Equal(t, big.NewInt(130), env.balance(t, env.custody))

	status, body = env.do(t, http.MethodGet,
		fmt.Sprintf("/v1/escrows?organization=%s&provider=%s&project=site-rebuild&gross=1000",
			hexAddress(env.organization), hexAddress(env.provider)),
		orgToken, nil, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var view escrowView
	require.NoError(t, json.Unmarshal(body, &view))
	require.Equal(t, "finished", view.Status)
	require.Equal(t, "870", view.NetAmount)
	require.Equal(t, "phase one", view.Note)
}

func TestGatewayRequiresBearerToken(t *testing.T) {
	env := newGatewayEnv(t)
	status, _ := env.do(t, http.MethodGet, "/v1/fees", "", nil, nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestGatewayFeeAdministration(t *testing.T) {
	env := newGatewayEnv(t)
	arbiterToken := signToken(t, env.arbiter, ScopeArbiter)
	orgToken := signToken(t, env.organization)

	status, body := env.do(t, http.MethodGet, "/v1/fees", orgToken, nil, nil)
	require.Equal(t, http.StatusOK, status)
	var rates map[string]uint32
	require.NoError(t, json.Unmarshal(body, &rates))
	require.Equal(t, uint32(10), rates["providerRate"])
	require.Equal(t, uint32(3), rates["orgRate"])

	status, body = env.do(t, http.MethodPut, "/v1/fees/provider", orgToken, map[string]uint32{"rate": 12}, nil)
	require.Equal(t, http.StatusForbidden, status, string(body))

	status, body = env.do(t, http.MethodPut, "/v1/fees/provider", arbiterToken, map[string]uint32{"rate": 12}, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = env.do(t, http.MethodPut, "/v1/fees/provider", arbiterToken, map[string]uint32{"rate": 12}, nil)
	require.Equal(t, http.StatusConflict, status, string(body))
}

func TestGatewayResolveRequiresArbiterScope(t *testing.T) {
	env := newGatewayEnv(t)
	orgToken := signToken(t, env.organization)

	status, _ := env.do(t, http.MethodPost, "/v1/escrows", orgToken, map[string]string{
		"provider":    hexAddress(env.provider),
		"projectId":   "audit",
		"grossAmount": "500",
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	status, _ = env.do(t, http.MethodPost, "/v1/escrows/escalate", orgToken, map[string]string{
		"role":         "organization",
		"counterparty": hexAddress(env.provider),
		"projectId":    "audit",
		"grossAmount":  "500",
	}, nil)
	require.Equal(t, http.StatusOK, status)

	resolveBody := map[string]string{
		"decision":     "refund",
		"organization": hexAddress(env.organization),
		"provider":     hexAddress(env.provider),
		"projectId":    "audit",
		"grossAmount":  "500",
	}
	status, _ = env.do(t, http.MethodPost, "/v1/escrows/resolve", orgToken, resolveBody, nil)
	require.Equal(t, http.StatusForbidden, status)

	arbiterToken := signToken(t, env.arbiter, ScopeArbiter)
	status, body := env.do(t, http.MethodPost, "/v1/escrows/resolve", arbiterToken, resolveBody, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	// 500 gross: net 435 + provider fee 50 back to the organization.
	require.Equal(t, big.NewInt(9985), env.balance(t, env.organization))
}

func TestGatewayUnknownEngagementIs404(t *testing.T) {
	env := newGatewayEnv(t)
	token := signToken(t, env.organization)
	status, _ := env.do(t, http.MethodGet,
		fmt.Sprintf("/v1/escrows?organization=%s&provider=%s&project=ghost&gross=1",
			hexAddress(env.organization), hexAddress(env.provider)),
		token, nil, nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestGatewayIdempotentHire(t *testing.T) {
	env := newGatewayEnv(t)
	orgToken := signToken(t, env.organization)
	payload := map[string]string{
		"provider":    hexAddress(env.provider),
		"projectId":   "retainer",
		"grossAmount": "1000",
	}
	headers := map[string]string{"Idempotency-Key": "hire-1"}

	status, first := env.do(t, http.MethodPost, "/v1/escrows", orgToken, payload, headers)
	require.Equal(t, http.StatusCreated, status)
	status, second := env.do(t, http.MethodPost, "/v1/escrows", orgToken, payload, headers)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, first, second)
	// The replay must not have funded a second escrow.
	require.Equal(t, big.NewInt(9000), env.balance(t, env.organization))

	payload["grossAmount"] = "2000"
	status, _ = env.do(t, http.MethodPost, "/v1/escrows", orgToken, payload, headers)
	require.Equal(t, http.StatusConflict, status)
}

func TestGatewayProviderHistoryColumns(t *testing.T) {
	env := newGatewayEnv(t)
	orgToken := signToken(t, env.organization)

	for _, project := range []string{"alpha", "beta"} {
		status, body := env.do(t, http.MethodPost, "/v1/escrows", orgToken, map[string]string{
			"provider":    hexAddress(env.provider),
			"projectId":   project,
			"grossAmount": "100",
		}, nil)
		require.Equal(t, http.StatusCreated, status, string(body))
	}

	status, body := env.do(t, http.MethodGet,
		fmt.Sprintf("/v1/providers/%s/history?columns=projects,positions", hexAddress(env.provider)),
		orgToken, nil, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var history struct {
		Projects      []string `json:"projects"`
		Positions     []uint64 `json:"positions"`
		Organizations []string `json:"organizations"`
	}
	require.NoError(t, json.Unmarshal(body, &history))
	require.Equal(t, []string{"alpha", "beta"}, history.Projects)
	require.Equal(t, []uint64{0, 1}, history.Positions)
	require.Nil(t, history.Organizations)
}

// Reads and mutations share one manager whose pending map tolerates no
// concurrent access; this hammers both paths together so the race detector
// catches any handler that bypasses the server's lock.
func TestGatewayConcurrentReadsAndWrites(t *testing.T) {
	env := newGatewayEnv(t)
	orgToken := signToken(t, env.organization)

	var wg sync.WaitGroup
	for worker := 0; worker < 4; worker++ {
		wg.Add(2)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				status, body := env.do(t, http.MethodPost, "/v1/escrows", orgToken, map[string]string{
					"provider":    hexAddress(env.provider),
					"projectId":   fmt.Sprintf("load-%d-%d", worker, i),
					"grossAmount": "100",
				}, nil)
				require.Equal(t, http.StatusCreated, status, string(body))
			}
		}(worker)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				status, _ := env.do(t, http.MethodGet, "/v1/fees", orgToken, nil, nil)
				require.Equal(t, http.StatusOK, status)
				status, _ = env.do(t, http.MethodGet,
					fmt.Sprintf("/v1/providers/%s/history", hexAddress(env.provider)),
					orgToken, nil, nil)
				require.Equal(t, http.StatusOK, status)
			}
		}()
	}
	wg.Wait()

	status, body := env.do(t, http.MethodGet,
		fmt.Sprintf("/v1/organizations/%s/history", hexAddress(env.organization)),
		orgToken, nil, nil)
	require.Equal(t, http.StatusOK, status)
	var history struct {
		Escrows []escrowView `json:"escrows"`
	}
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history.Escrows, 20)
}

func TestGatewayRateLimit(t *testing.T) {
	env := newGatewayEnv(t)
	manager := state.NewManager(storage.NewMemDB())
	engine := engage.NewEngine()
	engine.SetState(manager)
	engine.SetTransfer(manager)
	engine.SetAccessControl(manager)
	engine.SetCustodySink(testAddr(0xEE))
	auth := NewAuthenticator(AuthConfig{Secret: testSecret, Issuer: testIssuer})
	srv := NewServer(engine, manager, auth, NewRateLimiter(1, 1), nil, nil)
	limited := httptest.NewServer(srv.Router())
	t.Cleanup(limited.Close)

	env.server = limited
	token := signToken(t, env.organization)
	status, _ := env.do(t, http.MethodGet, "/v1/fees", token, nil, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = env.do(t, http.MethodGet, "/v1/fees", token, nil, nil)
	require.Equal(t, http.StatusTooManyRequests, status)
}
