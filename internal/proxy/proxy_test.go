package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mdolyak/querygate/internal/directory"
	"github.com/mdolyak/querygate/internal/ledger"
	"github.com/mdolyak/querygate/internal/router"
	"github.com/mdolyak/querygate/internal/txlog"
)

const buyer = "0xaaaa000000000000000000000000000000000001"

type fixture struct {
	proxy  *Proxy
	ledger *ledger.Ledger
	dir    *directory.Directory
	txl    *txlog.Log
	svc    *directory.Service
}

// newFixture builds a proxy over in-memory stores with one registered
// service pointing at upstream. The buyer starts with 1.000000 credits.
func newFixture(t *testing.T, upstream string, price string, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()

	l := ledger.New(ledger.NewMemoryStore())
	dir := directory.New(directory.NewMemoryStore())
	txl := txlog.New(txlog.NewMemoryStore())

	if err := l.Deposit(ctx, buyer, "1.000000", "0xseed"); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	svc, err := dir.Register(ctx, directory.RegisterRequest{
		Name:          "Echo",
		Keywords:      []string{"echo"},
		SellerAddress: "0xbbbb000000000000000000000000000000000001",
		Endpoint:      upstream,
		Price:         price,
	})
	if err != nil {
		t.Fatalf("register service: %v", err)
	}

	p := New(l, dir, txl, router.NewKeywordResolver(dir), cfg)
	return &fixture{proxy: p, ledger: l, dir: dir, txl: txl, svc: svc}
}

func okUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"answer":"hello"}`))
	}))
}

func TestExecute_Success(t *testing.T) {
	up := okUpstream(t)
	defer up.Close()

	f := newFixture(t, up.URL, "0.100000", Config{})
	ctx := context.Background()

	result, err := f.proxy.Execute(ctx, buyer, f.svc, "echo hello")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	defer result.Response.Body.Close()

	body, _ := io.ReadAll(result.Response.Body)
	if string(body) != `{"answer":"hello"}` {
		t.Errorf("body = %s", body)
	}

	acc, _ := f.ledger.Balance(ctx, buyer)
	if acc.Balance != "0.900000" {
		t.Errorf("buyer balance = %s, want 0.900000", acc.Balance)
	}

	svc, _ := f.dir.Get(ctx, f.svc.ID)
	if svc.UnpaidBalance != "0.100000" {
		t.Errorf("seller unpaid = %s, want 0.100000", svc.UnpaidBalance)
	}

	tx, err := f.txl.Get(ctx, result.Tx.ID)
	if err != nil {
		t.Fatalf("Get tx: %v", err)
	}
	if tx.Status != txlog.StatusCompleted {
		t.Errorf("tx status = %s, want completed", tx.Status)
	}
}

func TestExecute_InsufficientFunds(t *testing.T) {
	up := okUpstream(t)
	defer up.Close()

	f := newFixture(t, up.URL, "2.000000", Config{})
	ctx := context.Background()

	_, err := f.proxy.Execute(ctx, buyer, f.svc, "echo")
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	// Nothing else happened: no charge log, no seller credit.
	txs, _ := f.txl.ForBuyer(ctx, buyer, 10)
	if len(txs) != 0 {
		t.Errorf("len(txs) = %d, want 0", len(txs))
	}
	svc, _ := f.dir.Get(ctx, f.svc.ID)
	if svc.UnpaidBalance != "0.000000" {
		t.Errorf("seller unpaid = %s, want 0.000000", svc.UnpaidBalance)
	}
}

func TestExecute_RepeatedUntilExhausted(t *testing.T) {
	up := okUpstream(t)
	defer up.Close()

	f := newFixture(t, up.URL, "0.100000", Config{})
	ctx := context.Background()

	// 1.000000 balance covers exactly ten 0.100000 queries.
	for i := 0; i < 10; i++ {
		result, err := f.proxy.Execute(ctx, buyer, f.svc, "echo")
		if err != nil {
			t.Fatalf("query %d: %v", i+1, err)
		}
		result.Response.Body.Close()
	}

	_, err := f.proxy.Execute(ctx, buyer, f.svc, "echo")
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("11th query err = %v, want ErrInsufficientFunds", err)
	}

	svc, _ := f.dir.Get(ctx, f.svc.ID)
	if svc.UnpaidBalance != "1.000000" {
		t.Errorf("seller unpaid = %s, want 1.000000", svc.UnpaidBalance)
	}

	// Exactly one audit record per successful query, visible from
	// both sides. The rejected 11th leaves none.
	byBuyer, _ := f.txl.ForBuyer(ctx, buyer, 100)
	if len(byBuyer) != 10 {
		t.Errorf("len(ForBuyer) = %d, want 10", len(byBuyer))
	}
	byService, _ := f.txl.ForService(ctx, f.svc.ID, 100)
	if len(byService) != 10 {
		t.Errorf("len(ForService) = %d, want 10", len(byService))
	}
}

func TestExecute_UpstreamError_ChargeStands(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer up.Close()

	f := newFixture(t, up.URL, "0.100000", Config{})
	ctx := context.Background()

	_, err := f.proxy.Execute(ctx, buyer, f.svc, "echo")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}

	// Default policy: the debit and the seller credit both stand.
	acc, _ := f.ledger.Balance(ctx, buyer)
	if acc.Balance != "0.900000" {
		t.Errorf("buyer balance = %s, want 0.900000", acc.Balance)
	}
	svc, _ := f.dir.Get(ctx, f.svc.ID)
	if svc.UnpaidBalance != "0.100000" {
		t.Errorf("seller unpaid = %s, want 0.100000", svc.UnpaidBalance)
	}

	txs, _ := f.txl.ForBuyer(ctx, buyer, 10)
	if len(txs) != 1 || txs[0].Status != txlog.StatusFailed {
		t.Errorf("tx status = %v, want one failed tx", txs)
	}
}

func TestExecute_UpstreamError_RefundPolicy(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer up.Close()

	f := newFixture(t, up.URL, "0.100000", Config{RefundOnFailure: true})
	ctx := context.Background()

	_, err := f.proxy.Execute(ctx, buyer, f.svc, "echo")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}

	acc, _ := f.ledger.Balance(ctx, buyer)
	if acc.Balance != "1.000000" {
		t.Errorf("buyer balance = %s, want 1.000000 after refund", acc.Balance)
	}

	txs, _ := f.txl.ForBuyer(ctx, buyer, 10)
	if len(txs) != 1 || txs[0].Status != txlog.StatusRefunded {
		t.Errorf("tx = %v, want one refunded tx", txs)
	}
}

func TestExecute_UpstreamTimeout(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer up.Close()

	f := newFixture(t, up.URL, "0.100000", Config{ForwardTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := f.proxy.Execute(ctx, buyer, f.svc, "echo")
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("err = %v, want ErrUpstreamTimeout", err)
	}

	// Timeout after debit: charge stands by default.
	acc, _ := f.ledger.Balance(ctx, buyer)
	if acc.Balance != "0.900000" {
		t.Errorf("buyer balance = %s, want 0.900000", acc.Balance)
	}
}

func TestExecute_ZeroPriceSkipsLedger(t *testing.T) {
	up := okUpstream(t)
	defer up.Close()

	f := newFixture(t, up.URL, "0.000000", Config{})
	ctx := context.Background()

	result, err := f.proxy.Execute(ctx, buyer, f.svc, "echo")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result.Response.Body.Close()

	acc, _ := f.ledger.Balance(ctx, buyer)
	if acc.Balance != "1.000000" {
		t.Errorf("buyer balance = %s, want 1.000000 (free query)", acc.Balance)
	}

	// Free queries still leave an audit record.
	txs, _ := f.txl.ForBuyer(ctx, buyer, 10)
	if len(txs) != 1 {
		t.Errorf("len(txs) = %d, want 1", len(txs))
	}
}

func TestExecute_InactiveService(t *testing.T) {
	up := okUpstream(t)
	defer up.Close()

	f := newFixture(t, up.URL, "0.100000", Config{})
	ctx := context.Background()

	_ = f.dir.SetActive(ctx, f.svc.ID, false)
	svc, _ := f.dir.Get(ctx, f.svc.ID)

	_, err := f.proxy.Execute(ctx, buyer, svc, "echo")
	if !errors.Is(err, ErrServiceInactive) {
		t.Fatalf("err = %v, want ErrServiceInactive", err)
	}
}

func TestExecute_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer up.Close()

	f := newFixture(t, up.URL, "0.000000", Config{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.proxy.Execute(ctx, buyer, f.svc, "echo")
		if !errors.Is(err, ErrUpstreamUnavailable) {
			t.Fatalf("failure %d: err = %v", i+1, err)
		}
	}

	_, err := f.proxy.Execute(ctx, buyer, f.svc, "echo")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestPrepare_QuotesWithoutCharging(t *testing.T) {
	up := okUpstream(t)
	defer up.Close()

	f := newFixture(t, up.URL, "0.100000", Config{})
	ctx := context.Background()

	quote, affordable, err := f.proxy.Prepare(ctx, buyer, "echo this")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if quote.Service.ID != f.svc.ID {
		t.Errorf("quoted service = %s, want %s", quote.Service.ID, f.svc.ID)
	}
	if quote.Price != "0.100000" {
		t.Errorf("price = %s, want 0.100000", quote.Price)
	}
	if !affordable {
		t.Error("expected affordable = true")
	}

	acc, _ := f.ledger.Balance(ctx, buyer)
	if acc.Balance != "1.000000" {
		t.Errorf("balance changed on prepare: %s", acc.Balance)
	}
}
