// Package milou provides an embeddable internal mail system: users of the
// host application exchange messages with subject, body and multiple
// recipients, with per-recipient read receipts and viewer-scoped trash.
//
// The package never stores user profiles. Callers pass User references
// (numeric id plus name/email) and supply a Resolver so the service can
// reconstruct identities for replies, forwards and folder listings.
//
// # Basic Usage
//
//	users := resolver.NewStatic(map[int64]milou.User{
//		1: {ID: 1, Name: "Alice", Email: "alice@example.com"},
//		2: {ID: 2, Name: "Bob", Email: "bob@example.com"},
//	})
//
//	svc, err := milou.NewService(
//		milou.WithStore(memory.New()),
//		milou.WithResolver(users),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := svc.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	alice := svc.Client(milou.User{ID: 1, Email: "alice@example.com"})
//	mail, err := alice.Send(ctx,
//		[]milou.User{{ID: 2, Email: "bob@example.com"}},
//		"Lunch?", "Noon at the usual place.")
//
//	bob := svc.Client(milou.User{ID: 2, Email: "bob@example.com"})
//	received, err := bob.GetByCode(ctx, mail.Code()) // marks it read for Bob
//
// # Storage Backends
//
// Three store implementations ship with the package: store/memory for
// tests and single-process use, store/postgres backed by PostgreSQL, and
// store/mongo backed by MongoDB. All three guarantee that a mail and its
// deliveries are persisted atomically.
//
// # Events
//
// Each service publishes MailSent, MailRead, MailTrashed and MailRestored
// events on its own bus. With no transport configured events stay
// in-process; pass WithRedisClient or WithEventTransport to fan them out.
package milou
