// Package router picks the service that should answer a prompt.
//
// Two strategies exist: keyword matching against the directory's
// registered keywords, and an external classifier worker that returns
// a service ID. Both implement Resolver so the proxy stays agnostic.
package router

import (
	"context"
	"errors"

	"github.com/mdolyak/querygate/internal/directory"
)

var ErrNoServiceMatched = errors.New("router: no service matched")

// Resolver maps a prompt to the service that should handle it.
type Resolver interface {
	Resolve(ctx context.Context, prompt string) (*directory.Service, error)
}
