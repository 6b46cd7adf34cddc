package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGenerateAndValidateKey(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	raw, key, err := m.GenerateKey(ctx, "0xBuyer", "test key")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if raw == "" || key.ID == "" {
		t.Fatal("expected raw key and ID")
	}
	if key.Address != "0xbuyer" {
		t.Errorf("address = %s, want 0xbuyer", key.Address)
	}

	got, err := m.ValidateKey(ctx, raw)
	if err != nil {
		t.Fatalf("ValidateKey: %v", err)
	}
	if got.ID != key.ID {
		t.Errorf("got key %s, want %s", got.ID, key.ID)
	}
}

func TestValidateKey_BearerPrefix(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	raw, _, _ := m.GenerateKey(ctx, "0xbuyer", "k")

	if _, err := m.ValidateKey(ctx, "Bearer "+raw); err != nil {
		t.Fatalf("ValidateKey with Bearer prefix: %v", err)
	}
}

func TestValidateKey_Invalid(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	if _, err := m.ValidateKey(ctx, ""); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("empty key err = %v, want ErrNoAPIKey", err)
	}
	if _, err := m.ValidateKey(ctx, "not_a_key"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("bad prefix err = %v, want ErrInvalidAPIKey", err)
	}
	if _, err := m.ValidateKey(ctx, "qk_deadbeef"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("unknown key err = %v, want ErrInvalidAPIKey", err)
	}
}

func TestRevokeKey(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	raw, key, _ := m.GenerateKey(ctx, "0xbuyer", "k")

	if err := m.RevokeKey(ctx, key.ID, "0xbuyer"); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}
	if _, err := m.ValidateKey(ctx, raw); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("revoked key err = %v, want ErrInvalidAPIKey", err)
	}
}

func TestValidateKey_Expired(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store)
	ctx := context.Background()

	raw, key, _ := m.GenerateKey(ctx, "0xbuyer", "k")
	past := time.Now().Add(-time.Hour)
	key.ExpiresAt = &past
	_ = store.Update(ctx, key)

	if _, err := m.ValidateKey(ctx, raw); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expired key err = %v, want ErrInvalidAPIKey", err)
	}
}

func TestListKeys(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	_, _, _ = m.GenerateKey(ctx, "0xbuyer", "one")
	_, _, _ = m.GenerateKey(ctx, "0xbuyer", "two")
	_, _, _ = m.GenerateKey(ctx, "0xother", "three")

	keys, err := m.ListKeys(ctx, "0xBuyer")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("len(keys) = %d, want 2", len(keys))
	}
}
