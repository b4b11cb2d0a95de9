// Package mongo provides a MongoDB implementation of store.Store.
//
// A mail and its delivery records live in a single document, so every
// multi-record mutation is one atomic document update - no transactions
// or distributed locks needed.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/milou-mail/milou/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client    *mongo.Client
	db        *mongo.Database
	mails     *mongo.Collection
	counters  *mongo.Collection
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new MongoDB store with the provided client.
// Call Connect() to initialize the collections and indexes.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client: client,
		opts:   o,
		logger: o.logger,
	}
}

// Connect initializes the database, collections, and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.client == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo ping: %w", err)
	}

	s.db = s.client.Database(s.opts.database)
	s.mails = s.db.Collection(s.opts.collection)
	s.counters = s.db.Collection(s.opts.countersCollection())

	if err := s.ensureIndexes(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure indexes: %w", err)
	}

	s.logger.Info("connected to MongoDB",
		"database", s.opts.database, "collection", s.opts.collection)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for disconnecting the client.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "code", Value: 1}},
			Options: mongoopts.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "sent_date", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "deliveries.recipient_id", Value: 1}},
		},
	}
	if _, err := s.mails.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// mailDoc is the document form of a mail with embedded delivery records.
type mailDoc struct {
	ID         int64         `bson:"_id"`
	Code       string        `bson:"code"`
	SenderID   int64         `bson:"sender_id"`
	Subject    string        `bson:"subject"`
	Body       string        `bson:"body"`
	SentDate   time.Time     `bson:"sent_date"`
	IsDeleted  bool          `bson:"is_deleted"`
	DeletedAt  *time.Time    `bson:"deleted_at,omitempty"`
	Deliveries []deliveryDoc `bson:"deliveries"`
}

type deliveryDoc struct {
	RecipientID int64      `bson:"recipient_id"`
	IsRead      bool       `bson:"is_read"`
	IsDeleted   bool       `bson:"is_deleted"`
	DeletedAt   *time.Time `bson:"deleted_at,omitempty"`
}

func (d *mailDoc) toMail() *store.Mail {
	m := &store.Mail{
		ID:       d.ID,
		Code:     d.Code,
		SenderID: d.SenderID,
		Subject:  d.Subject,
		Body:     d.Body,
		SentDate: d.SentDate,
		Deleted:  d.IsDeleted,
	}
	if d.DeletedAt != nil {
		m.DeletedAt = *d.DeletedAt
	}
	for _, dd := range d.Deliveries {
		del := store.Delivery{
			MailID:      d.ID,
			RecipientID: dd.RecipientID,
			Read:        dd.IsRead,
			Deleted:     dd.IsDeleted,
		}
		if dd.DeletedAt != nil {
			del.DeletedAt = *dd.DeletedAt
		}
		m.Deliveries = append(m.Deliveries, del)
	}
	return m
}

// nextID atomically allocates the next mail id from the counter collection.
func (s *Store) nextID(ctx context.Context) (int64, error) {
	res := s.counters.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: "mail_id"}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: int64(1)}}}},
		mongoopts.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(mongoopts.After),
	)

	var doc struct {
		Seq int64 `bson:"seq"`
	}
	if err := res.Decode(&doc); err != nil {
		return 0, fmt.Errorf("allocate mail id: %w", err)
	}
	return doc.Seq, nil
}

func (s *Store) Save(ctx context.Context, data store.MailData) (*store.Mail, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	id, err := s.nextID(ctx)
	if err != nil {
		return nil, err
	}

	sentDate := data.SentDate
	if sentDate.IsZero() {
		sentDate = time.Now().UTC()
	}

	doc := mailDoc{
		ID:       id,
		Code:     data.Code,
		SenderID: data.SenderID,
		Subject:  data.Subject,
		Body:     data.Body,
		SentDate: sentDate,
	}
	for _, rid := range data.RecipientIDs {
		doc.Deliveries = append(doc.Deliveries, deliveryDoc{RecipientID: rid})
	}

	if _, err := s.mails.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, store.ErrDuplicateCode
		}
		return nil, fmt.Errorf("insert mail: %w", err)
	}

	return doc.toMail(), nil
}

func (s *Store) FindByID(ctx context.Context, id int64) (*store.Mail, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id <= 0 {
		return nil, store.ErrInvalidID
	}
	return s.findOne(ctx, bson.D{{Key: "_id", Value: id}})
}

func (s *Store) FindByCode(ctx context.Context, code string) (*store.Mail, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if code == "" {
		return nil, store.ErrEmptyCode
	}
	return s.findOne(ctx, bson.D{{Key: "code", Value: code}})
}

func (s *Store) findOne(ctx context.Context, filter bson.D) (*store.Mail, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var doc mailDoc
	if err := s.mails.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find mail: %w", err)
	}
	return doc.toMail(), nil
}

func (s *Store) CodeExists(ctx context.Context, code string) (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	count, err := s.mails.CountDocuments(ctx,
		bson.D{{Key: "code", Value: code}},
		mongoopts.Count().SetLimit(1),
	)
	if err != nil {
		return false, fmt.Errorf("code exists: %w", err)
	}
	return count > 0, nil
}

func (s *Store) IsRead(ctx context.Context, mailID, recipientID int64) (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}

	mail, err := s.FindByID(ctx, mailID)
	if err != nil {
		if store.IsNotFound(err) || store.IsInvalidID(err) {
			return false, nil
		}
		return false, err
	}
	d := mail.DeliveryFor(recipientID)
	if d == nil {
		return false, nil
	}
	return d.Read, nil
}

func (s *Store) MarkRead(ctx context.Context, mailID, recipientID int64) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if mailID <= 0 || recipientID <= 0 {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	res, err := s.mails.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: mailID},
			{Key: "deliveries.recipient_id", Value: recipientID},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "deliveries.$.is_read", Value: true}}}},
	)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MoveToTrash(ctx context.Context, mailID, actorID int64) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if mailID <= 0 || actorID <= 0 {
		return store.ErrInvalidID
	}

	// The participant set is immutable after creation, so checking
	// membership before the write is race-free.
	mail, err := s.FindByID(ctx, mailID)
	if err != nil {
		return err
	}
	if mail.SenderID != actorID && !mail.IsRecipient(actorID) {
		return store.ErrNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	now := time.Now().UTC()

	// One pipeline update flips both scopes atomically. The $cond guards
	// keep already-trashed sides untouched so the original trash time
	// survives repeats.
	senderMatch := bson.D{{Key: "$and", Value: bson.A{
		bson.D{{Key: "$eq", Value: bson.A{"$sender_id", actorID}}},
		bson.D{{Key: "$not", Value: bson.A{"$is_deleted"}}},
	}}}
	deliveryMatch := bson.D{{Key: "$and", Value: bson.A{
		bson.D{{Key: "$eq", Value: bson.A{"$$d.recipient_id", actorID}}},
		bson.D{{Key: "$not", Value: bson.A{"$$d.is_deleted"}}},
	}}}
	trashedDelivery := bson.D{{Key: "$mergeObjects", Value: bson.A{
		"$$d",
		bson.D{{Key: "is_deleted", Value: true}, {Key: "deleted_at", Value: now}},
	}}}

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "is_deleted", Value: bson.D{{Key: "$cond", Value: bson.A{senderMatch, true, "$is_deleted"}}}},
			{Key: "deleted_at", Value: bson.D{{Key: "$cond", Value: bson.A{senderMatch, now, "$deleted_at"}}}},
			{Key: "deliveries", Value: bson.D{{Key: "$map", Value: bson.D{
				{Key: "input", Value: "$deliveries"},
				{Key: "as", Value: "d"},
				{Key: "in", Value: bson.D{{Key: "$cond", Value: bson.A{deliveryMatch, trashedDelivery, "$$d"}}}},
			}}}},
		}}},
	}

	res, err := s.mails.UpdateOne(ctx, bson.D{{Key: "_id", Value: mailID}}, pipeline)
	if err != nil {
		return fmt.Errorf("move to trash: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) RestoreFromTrash(ctx context.Context, mailID int64) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if mailID <= 0 {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	res, err := s.mails.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: mailID}},
		bson.D{
			{Key: "$set", Value: bson.D{{Key: "is_deleted", Value: false}}},
			{Key: "$unset", Value: bson.D{{Key: "deleted_at", Value: ""}}},
		},
	)
	if err != nil {
		return fmt.Errorf("restore mail: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) RestoreDelivery(ctx context.Context, mailID, recipientID int64) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if mailID <= 0 || recipientID <= 0 {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	res, err := s.mails.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: mailID},
			{Key: "deliveries.recipient_id", Value: recipientID},
		},
		bson.D{
			{Key: "$set", Value: bson.D{{Key: "deliveries.$.is_deleted", Value: false}}},
			{Key: "$unset", Value: bson.D{{Key: "deliveries.$.deleted_at", Value: ""}}},
		},
	)
	if err != nil {
		return fmt.Errorf("restore delivery: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Inbox(ctx context.Context, viewerID int64, opts store.ListOptions) ([]*store.Mail, error) {
	filter := bson.D{{Key: "deliveries", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
		{Key: "recipient_id", Value: viewerID},
		{Key: "is_deleted", Value: false},
	}}}}}
	return s.listMails(ctx, viewerID, opts, filter)
}

func (s *Store) Sent(ctx context.Context, viewerID int64, opts store.ListOptions) ([]*store.Mail, error) {
	filter := bson.D{
		{Key: "sender_id", Value: viewerID},
		{Key: "is_deleted", Value: false},
	}
	return s.listMails(ctx, viewerID, opts, filter)
}

func (s *Store) Unread(ctx context.Context, viewerID int64, opts store.ListOptions) ([]*store.Mail, error) {
	filter := bson.D{{Key: "deliveries", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
		{Key: "recipient_id", Value: viewerID},
		{Key: "is_deleted", Value: false},
		{Key: "is_read", Value: false},
	}}}}}
	return s.listMails(ctx, viewerID, opts, filter)
}

// listMails runs a folder query sorted by sent date, newest first.
func (s *Store) listMails(ctx context.Context, viewerID int64, opts store.ListOptions, filter bson.D) ([]*store.Mail, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if viewerID <= 0 {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	findOpts := mongoopts.Find().
		SetSort(bson.D{{Key: "sent_date", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(opts.Offset)).
		SetLimit(int64(limit))

	cursor, err := s.mails.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("list mails: %w", err)
	}
	defer cursor.Close(ctx)

	return decodeMails(ctx, cursor)
}

func (s *Store) Trash(ctx context.Context, viewerID int64, opts store.ListOptions) ([]*store.Mail, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if viewerID <= 0 {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	// The viewer's trash time is the trashed delivery's deleted_at on the
	// recipient side, the mail's on the sender side. Computed in the
	// pipeline so Mongo does the ordering.
	recipientTrashedAt := bson.D{{Key: "$first", Value: bson.D{{Key: "$map", Value: bson.D{
		{Key: "input", Value: bson.D{{Key: "$filter", Value: bson.D{
			{Key: "input", Value: "$deliveries"},
			{Key: "as", Value: "d"},
			{Key: "cond", Value: bson.D{{Key: "$and", Value: bson.A{
				bson.D{{Key: "$eq", Value: bson.A{"$$d.recipient_id", viewerID}}},
				"$$d.is_deleted",
			}}}},
		}}}},
		{Key: "as", Value: "d"},
		{Key: "in", Value: "$$d.deleted_at"},
	}}}}}

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "deliveries", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
				{Key: "recipient_id", Value: viewerID},
				{Key: "is_deleted", Value: true},
			}}}}},
			bson.D{
				{Key: "sender_id", Value: viewerID},
				{Key: "is_deleted", Value: true},
			},
		}}}}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "trashed_at", Value: bson.D{{Key: "$ifNull", Value: bson.A{recipientTrashedAt, "$deleted_at"}}}},
		}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "trashed_at", Value: -1}, {Key: "_id", Value: -1}}}},
		bson.D{{Key: "$skip", Value: int64(opts.Offset)}},
		bson.D{{Key: "$limit", Value: int64(limit)}},
		bson.D{{Key: "$unset", Value: "trashed_at"}},
	}

	cursor, err := s.mails.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("list trash: %w", err)
	}
	defer cursor.Close(ctx)

	return decodeMails(ctx, cursor)
}

func decodeMails(ctx context.Context, cursor *mongo.Cursor) ([]*store.Mail, error) {
	var mails []*store.Mail
	for cursor.Next(ctx) {
		var doc mailDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode mail: %w", err)
		}
		mails = append(mails, doc.toMail())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor: %w", err)
	}
	return mails, nil
}

func (s *Store) DeleteExpiredTrash(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	res, err := s.mails.DeleteMany(ctx, bson.D{
		{Key: "is_deleted", Value: true},
		{Key: "deleted_at", Value: bson.D{{Key: "$lt", Value: cutoff}}},
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired trash: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *Store) MailboxStats(ctx context.Context, viewerID int64) (*store.MailboxStats, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if viewerID <= 0 {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	count := func(filter bson.D) (int64, error) {
		n, err := s.mails.CountDocuments(ctx, filter)
		if err != nil {
			return 0, fmt.Errorf("count mails: %w", err)
		}
		return n, nil
	}

	stats := &store.MailboxStats{}
	var err error

	if stats.Inbox, err = count(bson.D{{Key: "deliveries", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
		{Key: "recipient_id", Value: viewerID},
		{Key: "is_deleted", Value: false},
	}}}}}); err != nil {
		return nil, err
	}

	if stats.Sent, err = count(bson.D{
		{Key: "sender_id", Value: viewerID},
		{Key: "is_deleted", Value: false},
	}); err != nil {
		return nil, err
	}

	if stats.Unread, err = count(bson.D{{Key: "deliveries", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
		{Key: "recipient_id", Value: viewerID},
		{Key: "is_deleted", Value: false},
		{Key: "is_read", Value: false},
	}}}}}); err != nil {
		return nil, err
	}

	recipientTrash, err := count(bson.D{{Key: "deliveries", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
		{Key: "recipient_id", Value: viewerID},
		{Key: "is_deleted", Value: true},
	}}}}})
	if err != nil {
		return nil, err
	}
	senderTrash, err := count(bson.D{
		{Key: "sender_id", Value: viewerID},
		{Key: "is_deleted", Value: true},
	})
	if err != nil {
		return nil, err
	}
	stats.Trash = recipientTrash + senderTrash

	return stats, nil
}
