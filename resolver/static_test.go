package resolver

import (
	"context"
	"testing"

	"github.com/milou-mail/milou"
)

func testStatic() *Static {
	return NewStatic(map[int64]milou.User{
		1: {Name: "Alice", Email: "alice@example.com"},
		2: {Name: "Bob", Email: "Bob@Example.COM"},
		3: {Name: "NoMail"},
	})
}

func TestStaticByID(t *testing.T) {
	ctx := context.Background()
	r := testStatic()

	u, err := r.ByID(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u == nil || u.Name != "Alice" || u.ID != 1 {
		t.Errorf("unexpected user: %+v", u)
	}

	u, err = r.ByID(ctx, 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u != nil {
		t.Errorf("expected nil for unknown id, got %+v", u)
	}
}

func TestStaticByEmail(t *testing.T) {
	ctx := context.Background()
	r := testStatic()

	u, err := r.ByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u == nil || u.ID != 1 {
		t.Errorf("unexpected user: %+v", u)
	}

	// Case-insensitive.
	u, _ = r.ByEmail(ctx, "bob@example.com")
	if u == nil || u.ID != 2 {
		t.Errorf("expected bob via case-insensitive lookup, got %+v", u)
	}

	u, _ = r.ByEmail(ctx, "unknown@example.com")
	if u != nil {
		t.Errorf("expected nil for unknown email, got %+v", u)
	}
}

func TestStaticResolveBatch(t *testing.T) {
	ctx := context.Background()
	r := testStatic()

	users, err := r.ResolveBatch(ctx, []int64{2, 99, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(users))
	}
	if users[0] == nil || users[0].ID != 2 {
		t.Errorf("expected bob first, got %+v", users[0])
	}
	if users[1] != nil {
		t.Errorf("expected nil for unknown id, got %+v", users[1])
	}
	if users[2] == nil || users[2].ID != 1 {
		t.Errorf("expected alice last, got %+v", users[2])
	}
}

func TestStaticAdd(t *testing.T) {
	ctx := context.Background()
	r := testStatic()

	r.Add(milou.User{ID: 4, Name: "Dave", Email: "dave@example.com"})

	u, _ := r.ByID(ctx, 4)
	if u == nil || u.Name != "Dave" {
		t.Errorf("expected dave after Add, got %+v", u)
	}
	u, _ = r.ByEmail(ctx, "DAVE@example.com")
	if u == nil || u.ID != 4 {
		t.Errorf("expected dave by email, got %+v", u)
	}
}

func TestStaticCopiesInput(t *testing.T) {
	users := map[int64]milou.User{1: {Name: "Alice", Email: "alice@example.com"}}
	r := NewStatic(users)

	// Mutating the source map must not leak into the resolver.
	users[1] = milou.User{Name: "Mallory", Email: "mallory@example.com"}

	u, _ := r.ByID(context.Background(), 1)
	if u == nil || u.Name != "Alice" {
		t.Errorf("expected the copied user, got %+v", u)
	}
}
