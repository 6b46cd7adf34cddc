package txlog

import (
	"context"
	"errors"
	"testing"
)

func TestBegin_RecordsForwarding(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	tx, err := l.Begin(ctx, "0xBuyer", "svc_1", "0xSeller", "0.100000")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if tx.ID == "" {
		t.Error("expected non-empty transaction ID")
	}
	if tx.Status != StatusForwarding {
		t.Errorf("status = %s, want %s", tx.Status, StatusForwarding)
	}
	if tx.BuyerAddress != "0xbuyer" || tx.SellerAddress != "0xseller" {
		t.Errorf("addresses not normalized: %s/%s", tx.BuyerAddress, tx.SellerAddress)
	}
}

func TestStatusTransitions(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	tx, _ := l.Begin(ctx, "0xbuyer", "svc_1", "0xseller", "0.100000")

	if err := l.Complete(ctx, tx.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, _ := l.Get(ctx, tx.ID)
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want %s", got.Status, StatusCompleted)
	}

	tx2, _ := l.Begin(ctx, "0xbuyer", "svc_1", "0xseller", "0.100000")
	if err := l.Fail(ctx, tx2.ID, "upstream timeout"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got2, _ := l.Get(ctx, tx2.ID)
	if got2.Status != StatusFailed || got2.Detail != "upstream timeout" {
		t.Errorf("status/detail = %s/%s", got2.Status, got2.Detail)
	}

	if err := l.MarkRefunded(ctx, tx2.ID, "upstream timeout"); err != nil {
		t.Fatalf("MarkRefunded: %v", err)
	}
	got3, _ := l.Get(ctx, tx2.ID)
	if got3.Status != StatusRefunded {
		t.Errorf("status = %s, want %s", got3.Status, StatusRefunded)
	}
}

func TestUpdateStatus_Unknown(t *testing.T) {
	l := New(NewMemoryStore())

	err := l.Complete(context.Background(), "txn_missing")
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("err = %v, want ErrTransactionNotFound", err)
	}
}

func TestListByBuyerAndService(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	_, _ = l.Begin(ctx, "0xalice", "svc_1", "0xseller", "0.100000")
	_, _ = l.Begin(ctx, "0xbob", "svc_1", "0xseller", "0.200000")
	_, _ = l.Begin(ctx, "0xalice", "svc_2", "0xseller", "0.300000")

	alice, err := l.ForBuyer(ctx, "0xAlice", 10)
	if err != nil {
		t.Fatalf("ForBuyer: %v", err)
	}
	if len(alice) != 2 {
		t.Fatalf("len(alice) = %d, want 2", len(alice))
	}
	// Newest first
	if alice[0].ServiceID != "svc_2" {
		t.Errorf("alice[0].ServiceID = %s, want svc_2", alice[0].ServiceID)
	}

	svc1, _ := l.ForService(ctx, "svc_1", 10)
	if len(svc1) != 2 {
		t.Errorf("len(svc1) = %d, want 2", len(svc1))
	}

	recent, _ := l.Recent(ctx, 2)
	if len(recent) != 2 {
		t.Errorf("len(recent) = %d, want 2", len(recent))
	}
}
