package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mdolyak/querygate/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing. No DATABASE_URL and
// no RPC_URL, so the server runs on in-memory stores with the deposit
// reconciler disabled.
func testConfig() *config.Config {
	return &config.Config{
		Port:           "0",
		Env:            "development",
		LogLevel:       "error",
		ForwardTimeout: 30 * time.Second,
		RouterMode:     "keyword",
		RateLimitRPS:   1000,
		FaucetEnabled:  true,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(testConfig(), WithLogger(logger))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// registerTestAccount registers an address and returns its API key.
func registerTestAccount(t *testing.T, s *Server, address string) string {
	t.Helper()

	body := `{"address":"` + address + `","name":"test key"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/accounts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Account registration failed: %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	key, _ := resp["apiKey"].(string)
	if key == "" {
		t.Fatal("Expected apiKey in registration response")
	}
	return key
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/accounts",
		"GET:/v1/accounts/:address/balance",
		"GET:/v1/accounts/:address/history",
		"GET:/v1/services",
		"GET:/v1/services/:id",
		"GET:/v1/transactions",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

func TestProtectedRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"POST:/v1/query",
		"POST:/v1/chat",
		"POST:/v1/prepare",
		"POST:/v1/services",
		"POST:/v1/services/:id/deactivate",
		"POST:/v1/services/:id/settle",
		"GET:/v1/accounts/:address/transactions",
		"GET:/v1/auth/keys",
		"DELETE:/v1/auth/keys/:keyId",
		"POST:/v1/faucet",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Protected route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Account registration tests
// ---------------------------------------------------------------------------

func TestAccountRegistration(t *testing.T) {
	s := newTestServer(t)

	key := registerTestAccount(t, s, "0xaaaa000000000000000000000000000000000001")
	if !strings.HasPrefix(key, "qk_") {
		t.Errorf("Expected qk_ key prefix, got %q", key)
	}
}

func TestAccountRegistration_InvalidAddress(t *testing.T) {
	s := newTestServer(t)

	body := `{"address":"not-an-address"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/accounts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Auth enforcement tests
// ---------------------------------------------------------------------------

func TestProtectedRouteRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	body := `{"name":"svc","sellerAddress":"0xaaaa000000000000000000000000000000000001","endpoint":"https://example.com","price":"0.100000"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/services", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without API key, got %d", w.Code)
	}
}

func TestServiceRegistration_OwnerEnforced(t *testing.T) {
	s := newTestServer(t)
	key := registerTestAccount(t, s, "0xaaaa000000000000000000000000000000000001")

	// Seller address in payload doesn't match the authenticated key.
	body := `{"name":"svc","sellerAddress":"0xbbbb000000000000000000000000000000000002","endpoint":"https://example.com","price":"0.100000"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/services", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for mismatched seller, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Faucet flow
// ---------------------------------------------------------------------------

func TestFaucetCreditsBalance(t *testing.T) {
	s := newTestServer(t)
	addr := "0xaaaa000000000000000000000000000000000001"
	key := registerTestAccount(t, s, addr)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/faucet", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Faucet request failed: %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/accounts/"+addr+"/balance", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Balance lookup failed: %d: %s", w.Code, w.Body.String())
	}

	var acc map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &acc); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if acc["balance"] != faucetAmount {
		t.Errorf("Expected balance %s after faucet, got %v", faucetAmount, acc["balance"])
	}
}

// ---------------------------------------------------------------------------
// Service lifecycle through the API
// ---------------------------------------------------------------------------

func TestServiceRegistrationAndListing(t *testing.T) {
	s := newTestServer(t)
	key := registerTestAccount(t, s, "0xaaaa000000000000000000000000000000000001")

	body := `{"name":"Echo Bot","sellerAddress":"0xaaaa000000000000000000000000000000000001","endpoint":"https://echo.example.com","price":"0.100000","keywords":["echo"]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/services", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Service registration failed: %d: %s", w.Code, w.Body.String())
	}

	var svc map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &svc); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	id, _ := svc["id"].(string)
	if id == "" {
		t.Fatal("Expected service ID in response")
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/services", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Service listing failed: %d", w.Code)
	}
	var listing map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &listing); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if listing["count"].(float64) != 1 {
		t.Errorf("Expected 1 service listed, got %v", listing["count"])
	}
}

func TestDeactivateService_OnlyOwner(t *testing.T) {
	s := newTestServer(t)
	ownerKey := registerTestAccount(t, s, "0xaaaa000000000000000000000000000000000001")
	otherKey := registerTestAccount(t, s, "0xbbbb000000000000000000000000000000000002")

	body := `{"name":"svc","sellerAddress":"0xaaaa000000000000000000000000000000000001","endpoint":"https://example.com","price":"0.100000"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/services", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ownerKey)
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("Service registration failed: %d: %s", w.Code, w.Body.String())
	}
	var svc map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &svc); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	id := svc["id"].(string)

	// A different seller cannot deactivate it.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/services/"+id+"/deactivate", nil)
	req.Header.Set("Authorization", "Bearer "+otherKey)
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-owner, got %d", w.Code)
	}

	// The owner can.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/services/"+id+"/deactivate", nil)
	req.Header.Set("Authorization", "Bearer "+ownerKey)
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for owner, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// API key management
// ---------------------------------------------------------------------------

func TestListAndRevokeKeys(t *testing.T) {
	s := newTestServer(t)
	key := registerTestAccount(t, s, "0xaaaa000000000000000000000000000000000001")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/auth/keys", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Key listing failed: %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Keys []struct {
			ID string `json:"id"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(resp.Keys) != 1 {
		t.Fatalf("Expected 1 key, got %d", len(resp.Keys))
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("DELETE", "/v1/auth/keys/"+resp.Keys[0].ID, nil)
	req.Header.Set("Authorization", "Bearer "+key)
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for revocation, got %d: %s", w.Code, w.Body.String())
	}

	// The revoked key no longer authenticates.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/auth/keys", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with revoked key, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
