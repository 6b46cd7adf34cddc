package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mdolyak/querygate/internal/directory"
)

func seedDirectory(t *testing.T) (*directory.Directory, *directory.Service, *directory.Service) {
	t.Helper()
	d := directory.New(directory.NewMemoryStore())
	ctx := context.Background()

	translate, err := d.Register(ctx, directory.RegisterRequest{
		Name:          "Translation",
		Keywords:      []string{"translate", "language", "french"},
		SellerAddress: "0xbbbb000000000000000000000000000000000001",
		Endpoint:      "https://translate.example.com/run",
		Price:         "0.100000",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	code, err := d.Register(ctx, directory.RegisterRequest{
		Name:          "Code review",
		Keywords:      []string{"code", "review", "bug"},
		SellerAddress: "0xbbbb000000000000000000000000000000000002",
		Endpoint:      "https://code.example.com/run",
		Price:         "0.500000",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	return d, translate, code
}

func TestKeywordResolver_PicksBestMatch(t *testing.T) {
	d, translate, code := seedDirectory(t)
	r := NewKeywordResolver(d)

	svc, err := r.Resolve(context.Background(), "Please translate this to French language")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if svc.ID != translate.ID {
		t.Errorf("resolved %s, want %s", svc.ID, translate.ID)
	}

	svc, err = r.Resolve(context.Background(), "review my code for a bug")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if svc.ID != code.ID {
		t.Errorf("resolved %s, want %s", svc.ID, code.ID)
	}
}

func TestKeywordResolver_NoMatch(t *testing.T) {
	d, _, _ := seedDirectory(t)
	r := NewKeywordResolver(d)

	_, err := r.Resolve(context.Background(), "what is the weather today")
	if !errors.Is(err, ErrNoServiceMatched) {
		t.Fatalf("err = %v, want ErrNoServiceMatched", err)
	}
}

func TestKeywordResolver_TieBreaksCheaper(t *testing.T) {
	d := directory.New(directory.NewMemoryStore())
	ctx := context.Background()

	expensive, _ := d.Register(ctx, directory.RegisterRequest{
		Name:          "Premium summarizer",
		Keywords:      []string{"summarize"},
		SellerAddress: "0xbbbb000000000000000000000000000000000001",
		Endpoint:      "https://a.example.com/run",
		Price:         "1.000000",
	})
	cheap, _ := d.Register(ctx, directory.RegisterRequest{
		Name:          "Budget summarizer",
		Keywords:      []string{"summarize"},
		SellerAddress: "0xbbbb000000000000000000000000000000000002",
		Endpoint:      "https://b.example.com/run",
		Price:         "0.100000",
	})
	_ = expensive

	r := NewKeywordResolver(d)
	svc, err := r.Resolve(ctx, "summarize this document")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if svc.ID != cheap.ID {
		t.Errorf("resolved %s, want cheaper %s", svc.ID, cheap.ID)
	}
}

func TestKeywordResolver_SkipsInactive(t *testing.T) {
	d, translate, _ := seedDirectory(t)
	ctx := context.Background()

	if err := d.SetActive(ctx, translate.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	r := NewKeywordResolver(d)
	_, err := r.Resolve(ctx, "translate this")
	if !errors.Is(err, ErrNoServiceMatched) {
		t.Fatalf("err = %v, want ErrNoServiceMatched", err)
	}
}

func TestWorkerResolver_ResolvesReturnedService(t *testing.T) {
	d, translate, _ := seedDirectory(t)

	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]string{"serviceId": translate.ID})
	}))
	defer worker.Close()

	r := NewWorkerResolver(d, worker.URL)
	svc, err := r.Resolve(context.Background(), "translate this")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if svc.ID != translate.ID {
		t.Errorf("resolved %s, want %s", svc.ID, translate.ID)
	}
}

func TestWorkerResolver_AcceptsServerIdField(t *testing.T) {
	d, translate, _ := seedDirectory(t)

	// Older classifier workers name the service under "serverId".
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"serverId": translate.ID})
	}))
	defer worker.Close()

	r := NewWorkerResolver(d, worker.URL)
	svc, err := r.Resolve(context.Background(), "translate this")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if svc.ID != translate.ID {
		t.Errorf("resolved %s, want %s", svc.ID, translate.ID)
	}
}

func TestWorkerResolver_ServiceIdWinsOverServerId(t *testing.T) {
	d, translate, code := seedDirectory(t)

	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"serviceId": translate.ID,
			"serverId":  code.ID,
		})
	}))
	defer worker.Close()

	r := NewWorkerResolver(d, worker.URL)
	svc, err := r.Resolve(context.Background(), "translate this")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if svc.ID != translate.ID {
		t.Errorf("resolved %s, want %s", svc.ID, translate.ID)
	}
}

func TestWorkerResolver_UnknownServiceIsNoMatch(t *testing.T) {
	d, _, _ := seedDirectory(t)

	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"serviceId": "svc_missing"})
	}))
	defer worker.Close()

	r := NewWorkerResolver(d, worker.URL)
	_, err := r.Resolve(context.Background(), "anything")
	if !errors.Is(err, ErrNoServiceMatched) {
		t.Fatalf("err = %v, want ErrNoServiceMatched", err)
	}
}

func TestWorkerResolver_WorkerErrorPropagates(t *testing.T) {
	d, _, _ := seedDirectory(t)

	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer worker.Close()

	r := NewWorkerResolver(d, worker.URL)
	if _, err := r.Resolve(context.Background(), "anything"); err == nil {
		t.Fatal("expected error from failing worker")
	}
}
