package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mdolyak/querygate/internal/directory"
)

// WorkerResolver delegates classification to an external worker that
// returns the ID of the service to use.
type WorkerResolver struct {
	dir    *directory.Directory
	url    string
	client *http.Client
}

// NewWorkerResolver creates a resolver that POSTs prompts to the worker URL.
func NewWorkerResolver(dir *directory.Directory, url string) *WorkerResolver {
	return &WorkerResolver{
		dir: dir,
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

var _ Resolver = (*WorkerResolver)(nil)

type workerRequest struct {
	Prompt string `json:"prompt"`
}

// Older classifier workers answer with "serverId"; both spellings
// are accepted, "serviceId" winning when a worker sends both.
type workerResponse struct {
	ServiceID string `json:"serviceId"`
	ServerID  string `json:"serverId"`
}

func (wr workerResponse) id() string {
	if wr.ServiceID != "" {
		return wr.ServiceID
	}
	return wr.ServerID
}

// Resolve asks the worker to classify the prompt, then loads the named
// service from the directory. A worker answer naming an unknown or
// inactive service is treated as no match.
func (r *WorkerResolver) Resolve(ctx context.Context, prompt string) (*directory.Service, error) {
	body, err := json.Marshal(workerRequest{Prompt: prompt})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("router worker call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("router worker returned status %d", resp.StatusCode)
	}

	var wr workerResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, fmt.Errorf("router worker response invalid: %w", err)
	}
	id := wr.id()
	if id == "" {
		return nil, ErrNoServiceMatched
	}

	svc, err := r.dir.Get(ctx, id)
	if err != nil {
		return nil, ErrNoServiceMatched
	}
	if !svc.Active {
		return nil, ErrNoServiceMatched
	}
	return svc, nil
}
