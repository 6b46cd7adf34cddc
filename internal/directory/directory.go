// Package directory implements seller service registration and lookup.
//
// Each service names an untrusted upstream endpoint, a per-query price,
// and the seller address that accrues unpaid balance as buyers query it.
package directory

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mdolyak/querygate/internal/credits"
	"github.com/mdolyak/querygate/internal/idgen"
	"github.com/mdolyak/querygate/internal/validation"
)

var (
	ErrServiceNotFound = errors.New("directory: service not found")
	ErrInvalidService  = errors.New("directory: invalid service")
)

// Service represents a seller's registered AI service.
type Service struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Keywords      []string  `json:"keywords,omitempty"` // used by keyword routing
	SellerAddress string    `json:"sellerAddress"`
	Endpoint      string    `json:"endpoint"` // untrusted upstream URL
	Price         string    `json:"price"`    // credits per query
	UnpaidBalance string    `json:"unpaidBalance"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// RegisterRequest is the payload for service registration.
type RegisterRequest struct {
	Name          string   `json:"name" binding:"required"`
	Description   string   `json:"description"`
	Keywords      []string `json:"keywords"`
	SellerAddress string   `json:"sellerAddress" binding:"required"`
	Endpoint      string   `json:"endpoint" binding:"required"`
	Price         string   `json:"price" binding:"required"`
}

// Filter selects services for listing.
type Filter struct {
	SellerAddress string
	ActiveOnly    bool
	Limit         int
	Offset        int
}

// Store persists directory data.
//
// IncrementUnpaid must be atomic so concurrent queries against the same
// service never lose a credit.
type Store interface {
	Create(ctx context.Context, svc *Service) error
	Get(ctx context.Context, id string) (*Service, error)
	Update(ctx context.Context, svc *Service) error
	List(ctx context.Context, filter Filter) ([]*Service, error)
	IncrementUnpaid(ctx context.Context, id, amount string) error
	SettleUnpaid(ctx context.Context, id string) (string, error)
}

// Directory manages seller services.
type Directory struct {
	store Store
}

// New creates a new directory.
func New(store Store) *Directory {
	return &Directory{store: store}
}

// Register validates and stores a new service.
func (d *Directory) Register(ctx context.Context, req RegisterRequest) (*Service, error) {
	if errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.Required("sellerAddress", req.SellerAddress),
		validation.ValidAddress("sellerAddress", req.SellerAddress),
		validation.Required("endpoint", req.Endpoint),
		validation.ValidURL("endpoint", req.Endpoint),
		validation.Required("price", req.Price),
	); len(errs) > 0 {
		return nil, errs
	}
	if _, ok := credits.Parse(req.Price); !ok {
		return nil, ErrInvalidService
	}

	keywords := make([]string, 0, len(req.Keywords))
	for _, k := range req.Keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			keywords = append(keywords, k)
		}
	}

	svc := &Service{
		ID:            idgen.WithPrefix("svc_"),
		Name:          validation.SanitizeString(req.Name, 200),
		Description:   validation.SanitizeString(req.Description, 2000),
		Keywords:      keywords,
		SellerAddress: validation.SanitizeAddress(req.SellerAddress),
		Endpoint:      req.Endpoint,
		Price:         req.Price,
		UnpaidBalance: "0.000000",
		Active:        true,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := d.store.Create(ctx, svc); err != nil {
		return nil, err
	}
	return svc, nil
}

// Get returns a service by ID.
func (d *Directory) Get(ctx context.Context, id string) (*Service, error) {
	return d.store.Get(ctx, id)
}

// List returns services matching the filter.
func (d *Directory) List(ctx context.Context, filter Filter) ([]*Service, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	return d.store.List(ctx, filter)
}

// SetActive enables or disables a service.
func (d *Directory) SetActive(ctx context.Context, id string, active bool) error {
	svc, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	svc.Active = active
	svc.UpdatedAt = time.Now()
	return d.store.Update(ctx, svc)
}

// IncrementUnpaid atomically adds amount to a service's unpaid balance.
// Returns ErrServiceNotFound when the service does not exist; the
// caller decides whether that is fatal (the proxy logs and continues,
// since the buyer has already been charged).
func (d *Directory) IncrementUnpaid(ctx context.Context, id, amount string) error {
	amt, ok := credits.Parse(amount)
	if !ok || amt.Sign() < 0 {
		return ErrInvalidService
	}
	if amt.Sign() == 0 {
		return nil
	}
	return d.store.IncrementUnpaid(ctx, id, amount)
}

// SettleUnpaid zeroes a service's unpaid balance and returns the amount
// that was owed. Used when paying sellers out.
func (d *Directory) SettleUnpaid(ctx context.Context, id string) (string, error) {
	return d.store.SettleUnpaid(ctx, id)
}
