package health

import (
	"context"
	"testing"
)

func pass(name string) Checker {
	return func(ctx context.Context) Status {
		return Status{Name: name, Healthy: true}
	}
}

func fail(name, detail string) Checker {
	return func(ctx context.Context) Status {
		return Status{Name: name, Healthy: false, Detail: detail}
	}
}

func TestCheckAll_AllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", pass("database"))
	r.Register("chain", pass("chain"))

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("expected healthy aggregate")
	}
	if len(statuses) != 2 {
		t.Fatalf("len(statuses) = %d, want 2", len(statuses))
	}
	// Name order keeps the endpoint output stable.
	if statuses[0].Name != "chain" || statuses[1].Name != "database" {
		t.Errorf("order = %s, %s; want chain, database", statuses[0].Name, statuses[1].Name)
	}
}

func TestCheckAll_OneFailureDegradesAggregate(t *testing.T) {
	r := NewRegistry()
	r.Register("database", pass("database"))
	r.Register("chain", fail("chain", "rpc unreachable"))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("expected unhealthy aggregate")
	}
	for _, st := range statuses {
		if st.Name == "chain" && st.Detail != "rpc unreachable" {
			t.Errorf("detail = %q, want rpc unreachable", st.Detail)
		}
	}
}

func TestRegister_ReplacesByName(t *testing.T) {
	r := NewRegistry()
	r.Register("database", fail("database", "down"))
	r.Register("database", pass("database"))

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("expected healthy after replacement")
	}
	if len(statuses) != 1 {
		t.Errorf("len(statuses) = %d, want 1", len(statuses))
	}
}

func TestCheckAll_EmptyRegistryIsHealthy(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy || len(statuses) != 0 {
		t.Errorf("healthy = %v, len = %d; want true, 0", healthy, len(statuses))
	}
}
