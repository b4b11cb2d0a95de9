package milou

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/milou-mail/milou/store/memory"
)

// Test users shared across the suite.
var (
	alice = User{ID: 1, Name: "Alice", Email: "alice@example.com"}
	bob   = User{ID: 2, Name: "Bob", Email: "bob@example.com"}
	carol = User{ID: 3, Name: "Carol", Email: "carol@example.com"}
	dave  = User{ID: 4, Name: "Dave", Email: "dave@example.com"}
)

// testResolver is a map-backed Resolver for tests. The resolver package has
// an equivalent implementation, but importing it here would cycle.
type testResolver struct {
	users map[int64]User
}

func newTestResolver(users ...User) *testResolver {
	r := &testResolver{users: make(map[int64]User, len(users))}
	for _, u := range users {
		r.users[u.ID] = u
	}
	return r
}

func (r *testResolver) ByID(_ context.Context, id int64) (*User, error) {
	if u, ok := r.users[id]; ok {
		return &u, nil
	}
	return nil, nil
}

func (r *testResolver) ByEmail(_ context.Context, email string) (*User, error) {
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			u := u
			return &u, nil
		}
	}
	return nil, nil
}

func (r *testResolver) ResolveBatch(_ context.Context, ids []int64) ([]*User, error) {
	out := make([]*User, len(ids))
	for i, id := range ids {
		if u, ok := r.users[id]; ok {
			u := u
			out[i] = &u
		}
	}
	return out, nil
}

// setupTestService creates a connected service over a memory store.
func setupTestService(t *testing.T, opts ...Option) Service {
	t.Helper()
	all := append([]Option{
		WithStore(memory.New()),
		WithResolver(newTestResolver(alice, bob, carol, dave)),
	}, opts...)
	svc, err := NewService(all...)
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return svc
}

// mustSend is a test helper that fails the test if Send errors.
func mustSend(t *testing.T, mb Mailbox, recipients []User, subject, body string) *Mail {
	t.Helper()
	mail, err := mb.Send(context.Background(), recipients, subject, body)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	return mail
}

func TestNewService(t *testing.T) {
	t.Run("requires store", func(t *testing.T) {
		_, err := NewService(WithResolver(newTestResolver()))
		if !errors.Is(err, ErrStoreRequired) {
			t.Errorf("expected ErrStoreRequired, got %v", err)
		}
	})

	t.Run("requires resolver", func(t *testing.T) {
		_, err := NewService(WithStore(memory.New()))
		if !errors.Is(err, ErrResolverRequired) {
			t.Errorf("expected ErrResolverRequired, got %v", err)
		}
	})

	t.Run("creates service", func(t *testing.T) {
		svc, err := NewService(
			WithStore(memory.New()),
			WithResolver(newTestResolver()),
		)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if svc == nil {
			t.Fatal("expected non-nil service")
		}
		if svc.IsConnected() {
			t.Error("expected disconnected before Connect")
		}
	})
}

func TestServiceLifecycle(t *testing.T) {
	ctx := context.Background()

	svc, err := NewService(
		WithStore(memory.New()),
		WithResolver(newTestResolver()),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if !svc.IsConnected() {
		t.Error("expected connected after Connect")
	}

	// Double connect should fail
	if err := svc.Connect(ctx); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}

	if err := svc.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// Double close should be safe
	if err := svc.Close(ctx); err != nil {
		t.Errorf("second close should not error, got %v", err)
	}
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	t.Run("Viewer returns the scoped user", func(t *testing.T) {
		mb := svc.Client(alice)
		if mb.Viewer().ID != alice.ID {
			t.Errorf("expected viewer %d, got %d", alice.ID, mb.Viewer().ID)
		}
	})

	t.Run("operations fail when not connected", func(t *testing.T) {
		disconnected, _ := NewService(
			WithStore(memory.New()),
			WithResolver(newTestResolver()),
		)
		mb := disconnected.Client(alice)

		_, err := mb.GetByCode(ctx, "abc12345")
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
		_, err = mb.Inbox(ctx, ListOptions{})
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("unpersisted viewer is rejected", func(t *testing.T) {
		mb := svc.Client(User{Email: "ghost@example.com"})
		_, err := mb.Inbox(ctx, ListOptions{})
		if !errors.Is(err, ErrInvalidViewer) {
			t.Errorf("expected ErrInvalidViewer, got %v", err)
		}
	})
}

func TestSendAndGet(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	sender := svc.Client(alice)
	mail := mustSend(t, sender, []User{bob, carol}, "Quarterly numbers", "See attached.")

	if mail.Code() == "" {
		t.Fatal("expected a non-empty mail code")
	}
	if got := len(mail.RecipientIDs()); got != 2 {
		t.Fatalf("expected 2 deliveries, got %d", got)
	}

	t.Run("unknown code returns not found", func(t *testing.T) {
		_, err := sender.GetByCode(ctx, "nosuch00")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("third party is forbidden", func(t *testing.T) {
		_, err := svc.Client(dave).GetByCode(ctx, mail.Code())
		if !errors.Is(err, ErrForbidden) {
			t.Errorf("expected ErrForbidden, got %v", err)
		}
	})

	t.Run("sender can open without a read receipt", func(t *testing.T) {
		got, err := sender.GetByCode(ctx, mail.Code())
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if !got.Equal(mail) {
			t.Error("expected the same mail")
		}
		if got.IsReadBy(bob.ID) || got.IsReadBy(carol.ID) {
			t.Error("sender opening the mail must not mark recipients read")
		}
	})

	t.Run("recipient opening marks only their delivery read", func(t *testing.T) {
		got, err := svc.Client(bob).GetByCode(ctx, mail.Code())
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if !got.IsReadBy(bob.ID) {
			t.Error("expected bob's delivery to be read after opening")
		}
		if got.IsReadBy(carol.ID) {
			t.Error("carol's delivery must stay unread")
		}

		read, err := svc.Client(bob).IsRead(ctx, mail.ID())
		if err != nil {
			t.Fatalf("IsRead failed: %v", err)
		}
		if !read {
			t.Error("expected IsRead true for bob")
		}

		read, err = svc.Client(carol).IsRead(ctx, mail.ID())
		if err != nil {
			t.Fatalf("IsRead failed: %v", err)
		}
		if read {
			t.Error("expected IsRead false for carol")
		}
	})
}

func TestFolders(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	sender := svc.Client(alice)
	first := mustSend(t, sender, []User{bob}, "First", "one")
	second := mustSend(t, sender, []User{bob, carol}, "Second", "two")

	t.Run("inbox lists newest first", func(t *testing.T) {
		inbox, err := svc.Client(bob).Inbox(ctx, ListOptions{})
		if err != nil {
			t.Fatalf("inbox failed: %v", err)
		}
		if len(inbox) != 2 {
			t.Fatalf("expected 2 mails, got %d", len(inbox))
		}
		if inbox[0].Code != second.Code() || inbox[1].Code != first.Code() {
			t.Errorf("expected [%s %s], got [%s %s]",
				second.Code(), first.Code(), inbox[0].Code, inbox[1].Code)
		}
		if inbox[0].SenderName != "Alice" || inbox[0].SenderEmail != "alice@example.com" {
			t.Errorf("expected resolved sender identity, got %q <%s>",
				inbox[0].SenderName, inbox[0].SenderEmail)
		}
	})

	t.Run("sent lists the sender's mail", func(t *testing.T) {
		sent, err := sender.Sent(ctx, ListOptions{})
		if err != nil {
			t.Fatalf("sent failed: %v", err)
		}
		if len(sent) != 2 {
			t.Fatalf("expected 2 mails, got %d", len(sent))
		}
		// IsRead is viewer-scoped and the sender holds no delivery record.
		if sent[0].IsRead {
			t.Error("sent mail must not read as read for its sender")
		}
		if sent[0].IsDeleted {
			t.Error("sent mail must not read as trashed before any trash")
		}
	})

	t.Run("unread shrinks as mail is opened", func(t *testing.T) {
		if _, err := svc.Client(bob).GetByCode(ctx, first.Code()); err != nil {
			t.Fatalf("get failed: %v", err)
		}
		unread, err := svc.Client(bob).Unread(ctx, ListOptions{})
		if err != nil {
			t.Fatalf("unread failed: %v", err)
		}
		if len(unread) != 1 || unread[0].Code != second.Code() {
			t.Errorf("expected only %s unread, got %d entries", second.Code(), len(unread))
		}
	})

	t.Run("pagination", func(t *testing.T) {
		page, err := svc.Client(bob).Inbox(ctx, ListOptions{Limit: 1, Offset: 1})
		if err != nil {
			t.Fatalf("inbox failed: %v", err)
		}
		if len(page) != 1 || page[0].Code != first.Code() {
			t.Errorf("expected second page to hold %s, got %d entries", first.Code(), len(page))
		}
	})

	t.Run("empty folder yields empty slice", func(t *testing.T) {
		trash, err := svc.Client(carol).Trash(ctx, ListOptions{})
		if err != nil {
			t.Fatalf("trash failed: %v", err)
		}
		if len(trash) != 0 {
			t.Errorf("expected empty trash, got %d entries", len(trash))
		}
	})
}

func TestTrashScoping(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	sender := svc.Client(alice)
	mail := mustSend(t, sender, []User{bob, carol}, "Trash me", "body")

	bobBox := svc.Client(bob)
	carolBox := svc.Client(carol)

	t.Run("recipient trash is scoped to that recipient", func(t *testing.T) {
		if err := bobBox.MoveToTrash(ctx, mail.ID()); err != nil {
			t.Fatalf("trash failed: %v", err)
		}

		inbox, _ := bobBox.Inbox(ctx, ListOptions{})
		if len(inbox) != 0 {
			t.Errorf("expected bob's inbox empty, got %d", len(inbox))
		}
		trash, _ := bobBox.Trash(ctx, ListOptions{})
		if len(trash) != 1 || trash[0].Code != mail.Code() {
			t.Errorf("expected bob's trash to hold the mail, got %d entries", len(trash))
		}

		// Carol and the sender are untouched.
		carolInbox, _ := carolBox.Inbox(ctx, ListOptions{})
		if len(carolInbox) != 1 {
			t.Errorf("expected carol's inbox to still hold the mail, got %d", len(carolInbox))
		}
		sent, _ := sender.Sent(ctx, ListOptions{})
		if len(sent) != 1 {
			t.Errorf("expected alice's sent to still hold the mail, got %d", len(sent))
		}
	})

	t.Run("trash is idempotent", func(t *testing.T) {
		if err := bobBox.MoveToTrash(ctx, mail.ID()); err != nil {
			t.Fatalf("repeated trash should succeed, got %v", err)
		}
		trash, _ := bobBox.Trash(ctx, ListOptions{})
		if len(trash) != 1 {
			t.Errorf("expected a single trash entry, got %d", len(trash))
		}
	})

	t.Run("sender trash is scoped to the sender", func(t *testing.T) {
		if err := sender.MoveToTrash(ctx, mail.ID()); err != nil {
			t.Fatalf("trash failed: %v", err)
		}
		sent, _ := sender.Sent(ctx, ListOptions{})
		if len(sent) != 0 {
			t.Errorf("expected alice's sent empty, got %d", len(sent))
		}
		trash, _ := sender.Trash(ctx, ListOptions{})
		if len(trash) != 1 {
			t.Errorf("expected alice's trash to hold the mail, got %d", len(trash))
		}
		carolInbox, _ := carolBox.Inbox(ctx, ListOptions{})
		if len(carolInbox) != 1 {
			t.Errorf("expected carol's inbox untouched, got %d", len(carolInbox))
		}
	})

	t.Run("non-participant cannot trash", func(t *testing.T) {
		err := svc.Client(dave).MoveToTrash(ctx, mail.ID())
		if !errors.Is(err, ErrForbidden) {
			t.Errorf("expected ErrForbidden, got %v", err)
		}
	})

	t.Run("restore brings the mail back", func(t *testing.T) {
		if err := bobBox.RestoreFromTrash(ctx, mail.ID()); err != nil {
			t.Fatalf("restore failed: %v", err)
		}
		inbox, _ := bobBox.Inbox(ctx, ListOptions{})
		if len(inbox) != 1 {
			t.Errorf("expected bob's inbox restored, got %d", len(inbox))
		}

		if err := sender.RestoreFromTrash(ctx, mail.ID()); err != nil {
			t.Fatalf("restore failed: %v", err)
		}
		sent, _ := sender.Sent(ctx, ListOptions{})
		if len(sent) != 1 {
			t.Errorf("expected alice's sent restored, got %d", len(sent))
		}
	})
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	sender := svc.Client(alice)
	mail := mustSend(t, sender, []User{bob}, "Read me", "body")

	t.Run("recipient marks read explicitly", func(t *testing.T) {
		if err := svc.Client(bob).MarkRead(ctx, mail.ID()); err != nil {
			t.Fatalf("mark read failed: %v", err)
		}
		read, err := svc.Client(bob).IsRead(ctx, mail.ID())
		if err != nil {
			t.Fatalf("IsRead failed: %v", err)
		}
		if !read {
			t.Error("expected read after MarkRead")
		}

		// Idempotent.
		if err := svc.Client(bob).MarkRead(ctx, mail.ID()); err != nil {
			t.Errorf("repeated mark read should succeed, got %v", err)
		}
	})

	t.Run("sender cannot mark read", func(t *testing.T) {
		err := sender.MarkRead(ctx, mail.ID())
		if !errors.Is(err, ErrForbidden) {
			t.Errorf("expected ErrForbidden, got %v", err)
		}
	})

	t.Run("unknown mail returns not found", func(t *testing.T) {
		err := svc.Client(bob).MarkRead(ctx, 99999)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestPurgeTrash(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	sender := svc.Client(alice)
	mail := mustSend(t, sender, []User{bob}, "Old mail", "body")
	if err := sender.MoveToTrash(ctx, mail.ID()); err != nil {
		t.Fatalf("trash failed: %v", err)
	}

	t.Run("fresh trash survives the purge", func(t *testing.T) {
		res, err := svc.PurgeTrash(ctx)
		if err != nil {
			t.Fatalf("purge failed: %v", err)
		}
		if res.DeletedCount != 0 {
			t.Errorf("expected nothing purged within retention, got %d", res.DeletedCount)
		}
		if _, err := sender.GetByCode(ctx, mail.Code()); err != nil {
			t.Errorf("trashed mail should still exist: %v", err)
		}
	})

	t.Run("fails when not connected", func(t *testing.T) {
		disconnected, _ := NewService(
			WithStore(memory.New()),
			WithResolver(newTestResolver()),
		)
		_, err := disconnected.PurgeTrash(ctx)
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})
}

// Deliveries and the mail row are created atomically, so a send that
// succeeds must be fully visible to every recipient.
func TestSendAtomicity(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	mail := mustSend(t, svc.Client(alice), []User{bob, carol, dave}, "Fan out", "body")

	for _, u := range []User{bob, carol, dave} {
		inbox, err := svc.Client(u).Inbox(ctx, ListOptions{})
		if err != nil {
			t.Fatalf("inbox for %d failed: %v", u.ID, err)
		}
		if len(inbox) != 1 || inbox[0].Code != mail.Code() {
			t.Errorf("expected mail delivered to user %d", u.ID)
		}
	}

	stored, err := svc.Client(alice).GetByCode(ctx, mail.Code())
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got := len(stored.RecipientIDs()); got != 3 {
		t.Errorf("expected 3 deliveries, got %d", got)
	}
}
