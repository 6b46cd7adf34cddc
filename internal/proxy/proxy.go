// Package proxy implements the payment-gated query pipeline.
//
// Order matters: the buyer is debited first, then the charge is logged,
// then the seller's unpaid balance is credited, and only then does the
// upstream call start. Forward failures never unwind the seller credit;
// whether the buyer is refunded is a deployment policy.
package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mdolyak/querygate/internal/circuitbreaker"
	"github.com/mdolyak/querygate/internal/credits"
	"github.com/mdolyak/querygate/internal/directory"
	"github.com/mdolyak/querygate/internal/ledger"
	"github.com/mdolyak/querygate/internal/logging"
	"github.com/mdolyak/querygate/internal/metrics"
	"github.com/mdolyak/querygate/internal/router"
	"github.com/mdolyak/querygate/internal/traces"
	"github.com/mdolyak/querygate/internal/txlog"
)

var (
	ErrServiceInactive     = errors.New("proxy: service is not active")
	ErrUpstreamUnavailable = errors.New("proxy: upstream unavailable")
	ErrUpstreamTimeout     = errors.New("proxy: upstream timed out")
	ErrCircuitOpen         = errors.New("proxy: circuit open for service")
)

// Broadcaster pushes charge events to live subscribers.
type Broadcaster interface {
	BroadcastCharge(tx *txlog.Transaction)
}

// Config tunes proxy behavior.
type Config struct {
	ForwardTimeout  time.Duration
	RefundOnFailure bool // refund the buyer when the forward fails after debit
}

// Proxy executes paid queries.
type Proxy struct {
	ledger    *ledger.Ledger
	dir       *directory.Directory
	txl       *txlog.Log
	resolver  router.Resolver
	forwarder *Forwarder
	breaker   *circuitbreaker.Breaker
	hub       Broadcaster // optional
	cfg       Config
}

// New creates a proxy.
func New(l *ledger.Ledger, dir *directory.Directory, txl *txlog.Log, resolver router.Resolver, cfg Config) *Proxy {
	return &Proxy{
		ledger:    l,
		dir:       dir,
		txl:       txl,
		resolver:  resolver,
		forwarder: NewForwarder(cfg.ForwardTimeout),
		breaker:   circuitbreaker.New(5, 30*time.Second),
		cfg:       cfg,
	}
}

// SetBroadcaster wires a live charge feed. Optional.
func (p *Proxy) SetBroadcaster(hub Broadcaster) {
	p.hub = hub
}

// Result is a successfully forwarded query. The caller owns
// Response.Body and must close it after streaming.
type Result struct {
	Tx       *txlog.Transaction
	Service  *directory.Service
	Response *http.Response
}

// Resolve maps a prompt to a service without charging anyone.
// Used by the prepare endpoint and the routed chat path.
func (p *Proxy) Resolve(ctx context.Context, prompt string) (*directory.Service, error) {
	return p.resolver.Resolve(ctx, prompt)
}

// Execute runs the full paid pipeline against a resolved service.
//
// A zero price skips the ledger entirely but still logs the transaction,
// so free services leave the same audit trail as paid ones.
func (p *Proxy) Execute(ctx context.Context, buyerAddr string, svc *directory.Service, prompt string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "proxy.Execute",
		traces.Buyer(buyerAddr), traces.Service(svc.ID), traces.Amount(svc.Price))
	defer span.End()

	log := logging.L(ctx)

	if !svc.Active {
		return nil, ErrServiceInactive
	}
	if !p.breaker.Allow(svc.ID) {
		metrics.QueriesTotal.WithLabelValues("circuit_open").Inc()
		return nil, ErrCircuitOpen
	}

	price, ok := credits.Parse(svc.Price)
	if !ok {
		return nil, ledger.ErrInvalidAmount
	}
	paid := price.Sign() > 0

	// 1. Debit the buyer. This is the gate: no funds, no forward.
	if paid {
		if err := p.ledger.Debit(ctx, buyerAddr, svc.Price, svc.ID); err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				metrics.QueriesTotal.WithLabelValues("insufficient_funds").Inc()
			}
			return nil, err
		}
	}

	// 2. Log the charge before the forward so a crash mid-call still
	// leaves a record of where the buyer's credits went.
	tx, err := p.txl.Begin(ctx, buyerAddr, svc.ID, svc.SellerAddress, svc.Price)
	if err != nil {
		// The debit already happened; surface the inconsistency loudly.
		log.Error("transaction log write failed after debit",
			"buyer", buyerAddr, "service", svc.ID, "amount", svc.Price, "error", err)
		return nil, err
	}

	// 3. Credit the seller's unpaid balance. A missing service here means
	// it was deleted between resolve and charge; the buyer was already
	// debited, so log and continue rather than unwinding.
	if paid {
		if err := p.dir.IncrementUnpaid(ctx, svc.ID, svc.Price); err != nil {
			log.Warn("seller unpaid credit failed",
				"service", svc.ID, "tx", tx.ID, "error", err)
		}
	}

	// 4. Forward to the seller endpoint.
	timer := prometheus.NewTimer(metrics.ForwardDuration.WithLabelValues(svc.ID))
	resp, err := p.forwarder.Forward(ctx, ForwardRequest{
		Endpoint:      svc.Endpoint,
		Prompt:        prompt,
		BuyerAddress:  buyerAddr,
		TransactionID: tx.ID,
	})
	timer.ObserveDuration()

	if err != nil {
		p.breaker.RecordFailure(svc.ID)
		p.recordFailure(ctx, tx, paid, err)
		return nil, err
	}

	p.breaker.RecordSuccess(svc.ID)
	if err := p.txl.Complete(ctx, tx.ID); err != nil {
		log.Warn("transaction completion update failed", "tx", tx.ID, "error", err)
	}
	metrics.QueriesTotal.WithLabelValues("completed").Inc()

	if p.hub != nil {
		tx.Status = txlog.StatusCompleted
		p.hub.BroadcastCharge(tx)
	}

	return &Result{Tx: tx, Service: svc, Response: resp}, nil
}

// recordFailure settles the books after a failed forward. The debit
// stands unless refund-on-failure is enabled.
func (p *Proxy) recordFailure(ctx context.Context, tx *txlog.Transaction, paid bool, cause error) {
	log := logging.L(ctx)

	outcome := "upstream_error"
	if errors.Is(cause, ErrUpstreamTimeout) {
		outcome = "upstream_timeout"
	}
	metrics.QueriesTotal.WithLabelValues(outcome).Inc()

	if paid && p.cfg.RefundOnFailure {
		if err := p.ledger.Refund(ctx, tx.BuyerAddress, tx.Amount, tx.ID); err != nil && !errors.Is(err, ledger.ErrDuplicateRefund) {
			log.Error("refund after failed forward failed", "tx", tx.ID, "error", err)
			// Fall through to plain failure; the charge record still stands.
		} else {
			if err := p.txl.MarkRefunded(ctx, tx.ID, cause.Error()); err != nil {
				log.Warn("transaction refund update failed", "tx", tx.ID, "error", err)
			}
			return
		}
	}

	if err := p.txl.Fail(ctx, tx.ID, cause.Error()); err != nil {
		log.Warn("transaction failure update failed", "tx", tx.ID, "error", err)
	}
}

// Quote returns the price a buyer would pay for a prompt, with the
// service that would answer it. No state changes.
type Quote struct {
	Service *directory.Service `json:"service"`
	Price   string             `json:"price"`
}

// Prepare resolves a prompt and reports price plus whether the buyer
// can afford it.
func (p *Proxy) Prepare(ctx context.Context, buyerAddr, prompt string) (*Quote, bool, error) {
	svc, err := p.resolver.Resolve(ctx, prompt)
	if err != nil {
		return nil, false, err
	}

	acc, err := p.ledger.Balance(ctx, buyerAddr)
	if err != nil {
		return nil, false, err
	}

	price, _ := credits.Parse(svc.Price)
	bal, _ := credits.Parse(acc.Balance)
	affordable := price != nil && bal != nil && bal.Cmp(price) >= 0
	if price != nil && price.Sign() == 0 {
		affordable = true
	}

	return &Quote{Service: svc, Price: svc.Price}, affordable, nil
}
