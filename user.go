package milou

import "context"

// User is a reference to an account in the embedding application.
// The mail system never stores user profiles; it keeps numeric ids and
// resolves names and addresses through a Resolver when projecting views.
type User struct {
	// ID is the durable numeric identifier. Zero means the user has not
	// been persisted yet.
	ID int64

	Name  string
	Email string
}

// Equal reports whether two user references identify the same account.
// Persisted users compare by id; unpersisted ones fall back to email.
func (u User) Equal(other User) bool {
	if u.ID != 0 && other.ID != 0 {
		return u.ID == other.ID
	}
	return u.Email != "" && u.Email == other.Email
}

// Resolver looks up user identities for the mail service. It is supplied
// by the embedding application; resolver.Static is a map-backed
// implementation for tests and simple deployments.
type Resolver interface {
	// ByID returns the user with the given id.
	ByID(ctx context.Context, id int64) (*User, error)

	// ByEmail returns the user with the given email address.
	ByEmail(ctx context.Context, email string) (*User, error)

	// ResolveBatch returns users for multiple ids.
	// Unknown ids have nil entries in the returned slice.
	ResolveBatch(ctx context.Context, ids []int64) ([]*User, error)
}
