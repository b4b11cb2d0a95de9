package milou

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"golang.org/x/sync/semaphore"

	"github.com/milou-mail/milou/store"
)

// ListOptions is re-exported so users can work with the milou package
// without importing store directly.
type ListOptions = store.ListOptions

// ServiceHealth provides health and state information about the service.
type ServiceHealth interface {
	// IsConnected returns true if the service is connected and ready.
	IsConnected() bool
}

// Service manages the mail system (server-side).
// It handles connections to storage and creates per-viewer mailbox clients.
type Service interface {
	ServiceHealth

	// Connect establishes connections to storage backends.
	Connect(ctx context.Context) error
	// Close closes all connections.
	Close(ctx context.Context) error
	// Client returns a mailbox client scoped to the given viewer.
	// The returned client shares the service's connections.
	Client(viewer User) Mailbox
	// PurgeTrash permanently deletes mail that has been sender-trashed
	// longer than the configured retention period. Call this periodically
	// using your application's scheduler.
	PurgeTrash(ctx context.Context) (*PurgeTrashResult, error)
	// Events returns per-service event instances for subscribing and
	// publishing. Each service has its own events bound to its own event
	// bus, enabling independent event routing and parallel testing.
	Events() *ServiceEvents
}

// MailReader provides single mail retrieval.
type MailReader interface {
	// GetByCode retrieves a mail by its external code. Opening a mail as
	// a recipient marks the delivery read as a side effect.
	GetByCode(ctx context.Context, code string) (*Mail, error)
	// IsRead reports whether the viewer has read the mail.
	IsRead(ctx context.Context, mailID int64) (bool, error)
}

// MailSender provides mail creation.
type MailSender interface {
	// Send creates a mail from the viewer to the given recipients.
	Send(ctx context.Context, recipients []User, subject, body string) (*Mail, error)
	// Reply sends a response to the original sender and the other
	// original recipients, threading the
	// subject with a "Re:" prefix.
	Reply(ctx context.Context, original *Mail, body string) (*Mail, error)
	// Forward passes a mail on to new recipients, threading the subject
	// with a "Fw:" prefix and quoting the original below the body.
	Forward(ctx context.Context, original *Mail, recipients []User, body string) (*Mail, error)
}

// MailMutator provides the viewer-scoped flag mutations.
type MailMutator interface {
	// MarkRead marks the viewer's delivery read. Idempotent.
	MarkRead(ctx context.Context, mailID int64) error
	// MoveToTrash moves the mail to the viewer's trash. Idempotent.
	MoveToTrash(ctx context.Context, mailID int64) error
	// RestoreFromTrash takes the mail back out of the viewer's trash.
	RestoreFromTrash(ctx context.Context, mailID int64) error
}

// MailLister provides folder listings projected to summaries.
type MailLister interface {
	Inbox(ctx context.Context, opts ListOptions) ([]Summary, error)
	Sent(ctx context.Context, opts ListOptions) ([]Summary, error)
	Unread(ctx context.Context, opts ListOptions) ([]Summary, error)
	Trash(ctx context.Context, opts ListOptions) ([]Summary, error)
}

// Mailbox provides mail operations for a single viewer.
// This is the main interface for mail operations.
//
// Composed of focused client interfaces:
//   - MailReader: retrieval (GetByCode, IsRead)
//   - MailSender: creation (Send, Reply, Forward)
//   - MailMutator: flag mutations (MarkRead, MoveToTrash, RestoreFromTrash)
//   - MailLister: folder listings (Inbox, Sent, Unread, Trash)
//   - StatsReader: folder counts (Stats)
type Mailbox interface {
	// Viewer returns the user this mailbox is scoped to.
	Viewer() User
	MailReader
	MailSender
	MailMutator
	MailLister
	StatsReader
}

// Connection states for the service.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// service is the default implementation of Service.
type service struct {
	store      store.Store
	resolver   Resolver
	logger     *slog.Logger
	opts       *options
	state      int32 // stateDisconnected, stateConnecting, or stateConnected
	plugins    *pluginRegistry
	otel       *otelInstrumentation
	sendSem    *semaphore.Weighted // Limits concurrent sends to prevent resource exhaustion
	eventBus   *event.Bus          // Event bus for publishing events
	events     *ServiceEvents      // Per-service event instances
	statsCache sync.Map            // viewerID (int64) -> *statsEntry
}

// NewService creates a new mail service.
// Call Connect() to establish connections to backends.
func NewService(opts ...Option) (Service, error) {
	o := newOptions(opts...)

	if o.store == nil {
		return nil, ErrStoreRequired
	}
	if o.resolver == nil {
		return nil, ErrResolverRequired
	}

	// Initialize plugin registry
	plugins := newPluginRegistry(o.logger)
	for _, p := range o.plugins {
		plugins.register(p)
	}

	// Initialize OTel instrumentation
	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	return &service{
		store:    o.store,
		resolver: o.resolver,
		logger:   o.logger,
		opts:     o,
		plugins:  plugins,
		otel:     otelInstr,
		sendSem:  semaphore.NewWeighted(int64(o.maxConcurrentSends)),
	}, nil
}

// Events returns per-service event instances for subscribing and publishing.
func (s *service) Events() *ServiceEvents {
	return s.events
}

// IsConnected returns true if the service is connected and ready.
func (s *service) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

// Connect establishes connections to storage backends.
func (s *service) Connect(ctx context.Context) error {
	// Use three-state to prevent Client() from seeing partial initialization
	// stateDisconnected -> stateConnecting -> stateConnected
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	// Reset to disconnected on failure, set to connected on success
	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&s.state, stateConnected)
		} else {
			atomic.StoreInt32(&s.state, stateDisconnected)
		}
	}()

	if err := s.store.Connect(ctx); err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	// Initialize event bus with appropriate transport
	if err := s.initEventBus(ctx); err != nil {
		s.store.Close(ctx)
		return fmt.Errorf("init event bus: %w", err)
	}

	// Initialize plugins
	if err := s.plugins.initAll(ctx); err != nil {
		s.eventBus.Close(ctx)
		s.store.Close(ctx)
		return fmt.Errorf("init plugins: %w", err)
	}

	success = true
	s.logger.Info("mail service connected")
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus initializes the event bus for this service.
// Each service creates its own bus and its own event instances.
func (s *service) initEventBus(ctx context.Context) error {
	serviceName := s.opts.serviceName
	if serviceName == "" {
		serviceName = "milou"
	}
	// Each bus needs a unique name, so append a counter suffix
	busName := fmt.Sprintf("%s-%d", serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case s.opts.eventTransport != nil:
		s.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(s.opts.eventTransport))
	case s.opts.redisClient != nil:
		s.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(s.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		s.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}

	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	s.eventBus = bus

	// Create and register per-service events (unique per service instance).
	s.events = newServiceEvents(busName)
	if err := registerServiceEvents(ctx, bus, s.events); err != nil {
		bus.Close(ctx)
		return fmt.Errorf("register service events: %w", err)
	}

	// Keep the stats cache approximately current between TTL refreshes.
	s.subscribeStatsHandlers(ctx)

	return nil
}

// Close closes connections to storage backends.
func (s *service) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	// Wait for in-flight send operations to complete (graceful shutdown).
	// After setting state to disconnected, no new sends can start because
	// checkAccess fails. We acquire all semaphore slots to wait for
	// existing operations to finish.
	s.logger.Info("waiting for in-flight operations to complete...", "timeout", s.opts.shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := s.sendSem.Acquire(shutdownCtx, int64(s.opts.maxConcurrentSends)); err != nil {
		s.logger.Warn("timeout waiting for in-flight operations, proceeding with shutdown",
			"error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		s.sendSem.Release(int64(s.opts.maxConcurrentSends))
		s.logger.Info("all in-flight operations completed")
	}

	// Close plugins first (reverse order of init)
	if err := s.plugins.closeAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close plugins: %w", err))
	}

	// Close event bus only if using a real transport. For noop transport,
	// the bus doesn't hold resources.
	if s.eventBus != nil && (s.opts.eventTransport != nil || s.opts.redisClient != nil) {
		if err := s.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	if err := s.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	return errors.Join(errs...)
}

// Client returns a mailbox client scoped to the given viewer.
func (s *service) Client(viewer User) Mailbox {
	return &userMailbox{
		viewer:      viewer,
		service:     s,
		validViewer: viewer.ID > 0,
	}
}

// userMailbox is the default implementation of Mailbox.
type userMailbox struct {
	viewer      User
	service     *service
	validViewer bool // set by Client() after validation
}

// Viewer returns the user this mailbox is scoped to.
func (m *userMailbox) Viewer() User {
	return m.viewer
}

// isConnected checks if the service is connected.
func (m *userMailbox) isConnected() bool {
	return atomic.LoadInt32(&m.service.state) == stateConnected
}

// checkAccess verifies the mailbox is ready for operations.
// Returns ErrNotConnected if the service isn't connected,
// or ErrInvalidViewer if the viewer has no persisted id.
func (m *userMailbox) checkAccess() error {
	if !m.isConnected() {
		return ErrNotConnected
	}
	if !m.validViewer {
		return ErrInvalidViewer
	}
	return nil
}

// fetchMail loads a mail the viewer is allowed to act on. Store-level
// "not found" is translated to the service sentinel; a mail the viewer has
// no stake in comes back as ErrForbidden.
func (m *userMailbox) fetchMail(ctx context.Context, mailID int64) (*store.Mail, error) {
	mail, err := m.service.store.FindByID(ctx, mailID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: mail %d", ErrNotFound, mailID)
		}
		if store.IsInvalidID(err) {
			return nil, fmt.Errorf("%w: mail %d", ErrInvalidID, mailID)
		}
		return nil, &OperationError{Op: "get mail", Err: err}
	}

	if mail.SenderID != m.viewer.ID && !mail.IsRecipient(m.viewer.ID) {
		return nil, fmt.Errorf("%w: user %d is neither sender nor recipient of mail %d",
			ErrForbidden, m.viewer.ID, mailID)
	}
	return mail, nil
}
