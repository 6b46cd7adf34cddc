package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mdolyak/querygate/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newHandlerRouter mounts the query routes behind a stub that injects
// the buyer address the way the auth middleware would.
func newHandlerRouter(f *fixture) *gin.Engine {
	r := gin.New()
	g := r.Group("/v1")
	g.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyAddress, buyer)
		c.Next()
	})
	NewHandler(f.proxy, f.dir).RegisterRoutes(g)
	return r
}

func postQuery(t *testing.T, r *gin.Engine, serviceID, prompt string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"serviceId": serviceID, "prompt": prompt})
	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestQuery_InactiveServiceLooksNotFound(t *testing.T) {
	up := okUpstream(t)
	defer up.Close()

	f := newFixture(t, up.URL, "0.100000", Config{})
	ctx := context.Background()
	r := newHandlerRouter(f)

	_ = f.dir.SetActive(ctx, f.svc.ID, false)

	w := postQuery(t, r, f.svc.ID, "echo")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["error"] != "service_not_found" {
		t.Errorf("error = %q, want service_not_found", resp["error"])
	}

	// Rejection leaves no trace: no charge, no audit record.
	acc, _ := f.ledger.Balance(ctx, buyer)
	if acc.Balance != "1.000000" {
		t.Errorf("buyer balance = %s, want 1.000000", acc.Balance)
	}
	txs, _ := f.txl.ForBuyer(ctx, buyer, 10)
	if len(txs) != 0 {
		t.Errorf("len(txs) = %d, want 0", len(txs))
	}
}

func TestQuery_UnknownService(t *testing.T) {
	up := okUpstream(t)
	defer up.Close()

	f := newFixture(t, up.URL, "0.100000", Config{})
	r := newHandlerRouter(f)

	w := postQuery(t, r, "svc_missing", "echo")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
