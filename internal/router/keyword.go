package router

import (
	"context"
	"strings"

	"github.com/mdolyak/querygate/internal/credits"
	"github.com/mdolyak/querygate/internal/directory"
)

// KeywordResolver matches prompts against service keywords.
type KeywordResolver struct {
	dir *directory.Directory
}

// NewKeywordResolver creates a resolver backed by the service directory.
func NewKeywordResolver(dir *directory.Directory) *KeywordResolver {
	return &KeywordResolver{dir: dir}
}

var _ Resolver = (*KeywordResolver)(nil)

// Resolve scores every active service by how many of its keywords
// appear in the prompt and returns the best match. Ties break toward
// the cheaper service. No keyword hits at all means no match.
func (r *KeywordResolver) Resolve(ctx context.Context, prompt string) (*directory.Service, error) {
	services, err := r.dir.List(ctx, directory.Filter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	lower := strings.ToLower(prompt)

	var best *directory.Service
	bestScore := 0
	for _, svc := range services {
		score := 0
		for _, kw := range svc.Keywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score == 0 {
			continue
		}
		if score > bestScore || (score == bestScore && cheaper(svc, best)) {
			best = svc
			bestScore = score
		}
	}

	if best == nil {
		return nil, ErrNoServiceMatched
	}
	return best, nil
}

func cheaper(a, b *directory.Service) bool {
	if b == nil {
		return true
	}
	pa, okA := credits.Parse(a.Price)
	pb, okB := credits.Parse(b.Price)
	if !okA || !okB {
		return false
	}
	return pa.Cmp(pb) < 0
}
