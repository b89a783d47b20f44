// Package reconcile detects and repairs divergence the event-driven path
// cannot prevent: orphaned cross-context references, broken user/member
// mappings, dead-lettered messages and sagas stuck past their SLA. Repairs
// go through the owning components' APIs, never by writing their rows.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"caravel/internal/events"
	"caravel/internal/outbox"
	"caravel/internal/saga"

	"github.com/google/uuid"
)

// ActionType classifies one corrective action.
type ActionType string

const (
	ActionCreateMember     ActionType = "CreateMember"
	ActionDeleteMember     ActionType = "DeleteMember"
	ActionLinkUserMember   ActionType = "LinkUserMember"
	ActionUnlinkUserMember ActionType = "UnlinkUserMember"
	ActionRepublishEvent   ActionType = "RepublishEvent"
	ActionMarkAsPoison     ActionType = "MarkAsPoison"
	ActionSkipProcessing   ActionType = "SkipProcessing"
	ActionForceFailSaga    ActionType = "ForceFailSaga"
)

// Action records the outcome of one corrective action.
type Action struct {
	Type         ActionType
	EntityID     string
	EntityType   string
	Success      bool
	ErrorMessage string
	ProcessedAt  time.Time
}

// Result summarizes one sweep.
type Result struct {
	Processed int
	Fixed     int
	Failed    int
	Skipped   int
	Actions   []Action
}

func (r *Result) record(a Action) {
	r.Processed++
	switch {
	case !a.Success && a.ErrorMessage != "":
		// An action that errored counts as failed even when the sweeper only
		// meant to skip the entity (e.g. a discard that could not go through).
		r.Failed++
	case a.Type == ActionSkipProcessing || !a.Success:
		r.Skipped++
	default:
		r.Fixed++
	}
	r.Actions = append(r.Actions, a)
}

// ComprehensiveResult aggregates every sweep of one run.
type ComprehensiveResult struct {
	OrphanedUsers   Result
	OrphanedMembers Result
	BrokenMappings  Result
	DeadLetters     Result
	StuckSagas      Result
}

// Totals sums the per-sweep counters.
func (c ComprehensiveResult) Totals() Result {
	var total Result
	for _, r := range []Result{c.OrphanedUsers, c.OrphanedMembers, c.BrokenMappings, c.DeadLetters, c.StuckSagas} {
		total.Processed += r.Processed
		total.Fixed += r.Fixed
		total.Failed += r.Failed
		total.Skipped += r.Skipped
		total.Actions = append(total.Actions, r.Actions...)
	}
	return total
}

// UserRef identifies a reservation-context user.
type UserRef struct {
	ID             uuid.UUID
	ExternalUserID string
	FullName       string
}

// MemberRef identifies a billing-context member.
type MemberRef struct {
	ID             uuid.UUID
	ExternalUserID string
}

// Link is one user/member mapping row.
type Link struct {
	UserID   uuid.UUID
	MemberID uuid.UUID
}

// Directory scans for cross-context reference anomalies.
type Directory interface {
	UsersWithoutMember(ctx context.Context, limit int) ([]UserRef, error)
	MembersWithoutUser(ctx context.Context, limit int) ([]MemberRef, error)
	// MissingLinks lists user/member pairs that should be linked but are not.
	MissingLinks(ctx context.Context, limit int) ([]Link, error)
	// DanglingLinks lists mapping rows whose user or member is gone.
	DanglingLinks(ctx context.Context, limit int) ([]Link, error)
}

// Sentinel errors a Membership implementation returns for already-fixed
// anomalies; the sweeper records them as skips, not failures.
var (
	ErrMemberExists = errors.New("member already exists")
	ErrLinkExists   = errors.New("link already exists")
	ErrGone         = errors.New("entity no longer exists")
)

// Membership is the billing context's public membership API.
type Membership interface {
	// CreateMember creates the billing member for a user and links them.
	CreateMember(ctx context.Context, user UserRef) (uuid.UUID, error)
	DeleteMember(ctx context.Context, memberID uuid.UUID) error
	LinkUserMember(ctx context.Context, userID, memberID uuid.UUID) error
	UnlinkUserMember(ctx context.Context, userID, memberID uuid.UUID) error
}

// DeadLetter is a message quarantined by the transport.
type DeadLetter struct {
	ID            string
	Type          string
	CorrelationID string
	Payload       []byte
}

// DeadLetters is the transport's dead-letter queue surface.
type DeadLetters interface {
	List(ctx context.Context, limit int) ([]DeadLetter, error)
	// Requeue moves a dead letter back onto the main stream.
	Requeue(ctx context.Context, id string) error
	// Discard drops a dead letter for good.
	Discard(ctx context.Context, id string) error
}

// EventHandler re-drives events through the saga engine's normal rules.
type EventHandler interface {
	Handle(ctx context.Context, env events.Envelope) (saga.Result, error)
}

// Config holds sweeper policy knobs.
type Config struct {
	// SagaSLA is how long a non-terminal instance may sit before it counts
	// as stuck.
	SagaSLA   time.Duration
	BatchSize int
}

// Sweeper runs the reconciliation sweeps. It is read-mostly and safe to run
// concurrently with live traffic: every write goes through an owner API that
// is itself idempotent or optimistically guarded.
type Sweeper struct {
	directory   Directory
	membership  Membership
	sagas       saga.Store
	outbox      outbox.Store
	engine      EventHandler
	deadLetters DeadLetters
	cfg         Config
	logf        func(format string, args ...any)
	now         func() time.Time
	onSweep     func(Result)
}

// NewSweeper constructs a Sweeper.
func NewSweeper(directory Directory, membership Membership, sagas saga.Store, ob outbox.Store, engine EventHandler, deadLetters DeadLetters, cfg Config, logf func(format string, args ...any)) *Sweeper {
	if logf == nil {
		logf = log.Printf
	}
	if cfg.SagaSLA <= 0 {
		cfg.SagaSLA = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		directory:   directory,
		membership:  membership,
		sagas:       sagas,
		outbox:      ob,
		engine:      engine,
		deadLetters: deadLetters,
		cfg:         cfg,
		logf:        logf,
		now:         time.Now,
	}
}

// OnSweep registers a callback invoked with the totals of every scheduled run.
func (s *Sweeper) OnSweep(fn func(Result)) {
	s.onSweep = fn
}

// ReconcileOrphanedUsers creates billing members for users that have none.
func (s *Sweeper) ReconcileOrphanedUsers(ctx context.Context) (Result, error) {
	var result Result
	if s.directory == nil || s.membership == nil {
		return result, nil
	}

	users, err := s.directory.UsersWithoutMember(ctx, s.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("scan orphaned users: %w", err)
	}

	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		_, err := s.membership.CreateMember(ctx, user)
		result.record(s.action(ActionCreateMember, user.ID.String(), "user", err))
	}
	return result, nil
}

// ReconcileOrphanedMembers deletes billing members whose user is gone.
func (s *Sweeper) ReconcileOrphanedMembers(ctx context.Context) (Result, error) {
	var result Result
	if s.directory == nil || s.membership == nil {
		return result, nil
	}

	members, err := s.directory.MembersWithoutUser(ctx, s.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("scan orphaned members: %w", err)
	}

	for _, member := range members {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		err := s.membership.DeleteMember(ctx, member.ID)
		result.record(s.action(ActionDeleteMember, member.ID.String(), "member", err))
	}
	return result, nil
}

// RepairBrokenMappings restores missing links and removes dangling ones.
func (s *Sweeper) RepairBrokenMappings(ctx context.Context) (Result, error) {
	var result Result
	if s.directory == nil || s.membership == nil {
		return result, nil
	}

	missing, err := s.directory.MissingLinks(ctx, s.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("scan missing links: %w", err)
	}
	for _, link := range missing {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		err := s.membership.LinkUserMember(ctx, link.UserID, link.MemberID)
		result.record(s.action(ActionLinkUserMember, link.UserID.String(), "user_member", err))
	}

	dangling, err := s.directory.DanglingLinks(ctx, s.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("scan dangling links: %w", err)
	}
	for _, link := range dangling {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		err := s.membership.UnlinkUserMember(ctx, link.UserID, link.MemberID)
		result.record(s.action(ActionUnlinkUserMember, link.UserID.String(), "user_member", err))
	}
	return result, nil
}

// ProcessDeadLetterMessages drains the transport dead-letter queue: messages
// whose saga is still live are republished, messages for finished sagas are
// discarded, unparseable ones are quarantined as poison.
func (s *Sweeper) ProcessDeadLetterMessages(ctx context.Context) (Result, error) {
	var result Result

	letters, err := s.deadLetters.List(ctx, s.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("list dead letters: %w", err)
	}

	for _, letter := range letters {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.record(s.resolveDeadLetter(ctx, letter))
	}
	return result, nil
}

func (s *Sweeper) resolveDeadLetter(ctx context.Context, letter DeadLetter) Action {
	correlationID, err := uuid.Parse(letter.CorrelationID)
	if err != nil || !json.Valid(letter.Payload) {
		if discardErr := s.deadLetters.Discard(ctx, letter.ID); discardErr != nil {
			return s.action(ActionMarkAsPoison, letter.ID, "dead_letter", discardErr)
		}
		s.logf("reconcile: poisoned dead letter %s (%s)", letter.ID, letter.Type)
		return s.action(ActionMarkAsPoison, letter.ID, "dead_letter", nil)
	}

	inst, err := s.sagas.Load(ctx, correlationID)
	if err != nil && !errors.Is(err, saga.ErrNotFound) {
		return s.action(ActionRepublishEvent, letter.ID, "dead_letter", err)
	}

	if inst != nil && inst.State.Terminal() {
		if discardErr := s.deadLetters.Discard(ctx, letter.ID); discardErr != nil {
			return s.action(ActionSkipProcessing, letter.ID, "dead_letter", discardErr)
		}
		return s.action(ActionSkipProcessing, letter.ID, "dead_letter", nil)
	}

	err = s.deadLetters.Requeue(ctx, letter.ID)
	return s.action(ActionRepublishEvent, letter.ID, "dead_letter", err)
}

// ReconcileStuckSagas resolves instances sitting in a non-terminal state
// past the SLA. AwaitingPayment is force-failed through the engine's normal
// transition rules; AwaitingBillCreation gets its failed outbox messages
// requeued so the lost command is re-issued.
func (s *Sweeper) ReconcileStuckSagas(ctx context.Context) (Result, error) {
	var result Result

	cutoff := s.now().UTC().Add(-s.cfg.SagaSLA)
	stuck, err := s.sagas.StuckBefore(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("scan stuck sagas: %w", err)
	}

	for _, inst := range stuck {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		switch inst.State {
		case saga.StateAwaitingPayment:
			result.record(s.forceFail(ctx, inst))
		case saga.StateAwaitingBillCreation:
			result.record(s.requeueFailedOutbox(ctx, inst))
		default:
			result.record(s.action(ActionSkipProcessing, inst.CorrelationID.String(), "saga_instance", nil))
		}
	}
	return result, nil
}

// forceFail drives a synthetic PaymentFailed through the engine. A dropped
// or duplicate outcome means normal processing resolved the instance first.
func (s *Sweeper) forceFail(ctx context.Context, inst saga.Instance) Action {
	ev := events.PaymentFailed{
		ReferenceID:   inst.CorrelationID,
		ReferenceType: events.ReferenceTypeReservation,
		FailureReason: "payment_sla_expired",
		ErrorCode:     "SLA_TIMEOUT",
	}
	env, err := events.NewEnvelope(events.TypePaymentFailed, inst.CorrelationID, ev)
	if err != nil {
		return s.action(ActionForceFailSaga, inst.CorrelationID.String(), "saga_instance", err)
	}

	res, err := s.engine.Handle(ctx, env)
	if err != nil {
		return s.action(ActionForceFailSaga, inst.CorrelationID.String(), "saga_instance", err)
	}
	if res.Outcome != saga.OutcomeApplied {
		return s.action(ActionSkipProcessing, inst.CorrelationID.String(), "saga_instance", nil)
	}
	s.logf("reconcile: force-failed saga %s after SLA expiry", inst.CorrelationID)
	return s.action(ActionForceFailSaga, inst.CorrelationID.String(), "saga_instance", nil)
}

func (s *Sweeper) requeueFailedOutbox(ctx context.Context, inst saga.Instance) Action {
	failed, err := s.outbox.FailedByCorrelation(ctx, inst.CorrelationID)
	if err != nil {
		return s.action(ActionRepublishEvent, inst.CorrelationID.String(), "saga_instance", err)
	}
	if len(failed) == 0 {
		return s.action(ActionSkipProcessing, inst.CorrelationID.String(), "saga_instance", nil)
	}
	for _, msg := range failed {
		if err := s.outbox.Requeue(ctx, msg.ID); err != nil {
			return s.action(ActionRepublishEvent, inst.CorrelationID.String(), "saga_instance", err)
		}
	}
	s.logf("reconcile: requeued %d failed outbox messages for saga %s", len(failed), inst.CorrelationID)
	return s.action(ActionRepublishEvent, inst.CorrelationID.String(), "saga_instance", nil)
}

// PerformComprehensiveReconciliation runs every sweep. A sweep that fails to
// scan is logged and reported through its partial result; the run continues.
func (s *Sweeper) PerformComprehensiveReconciliation(ctx context.Context) (ComprehensiveResult, error) {
	var comp ComprehensiveResult
	var errs []error

	run := func(name string, dst *Result, sweep func(context.Context) (Result, error)) {
		res, err := sweep(ctx)
		if err != nil {
			s.logf("reconcile: %s sweep: %v", name, err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		*dst = res
	}

	run("orphaned-users", &comp.OrphanedUsers, s.ReconcileOrphanedUsers)
	run("orphaned-members", &comp.OrphanedMembers, s.ReconcileOrphanedMembers)
	run("broken-mappings", &comp.BrokenMappings, s.RepairBrokenMappings)
	run("dead-letters", &comp.DeadLetters, s.ProcessDeadLetterMessages)
	run("stuck-sagas", &comp.StuckSagas, s.ReconcileStuckSagas)

	return comp, errors.Join(errs...)
}

// Run performs comprehensive reconciliation on a fixed schedule until the
// context ends.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			comp, err := s.PerformComprehensiveReconciliation(ctx)
			if err != nil {
				s.logf("reconcile: run finished with errors: %v", err)
			}
			totals := comp.Totals()
			s.logf("reconcile: processed=%d fixed=%d failed=%d skipped=%d",
				totals.Processed, totals.Fixed, totals.Failed, totals.Skipped)
			if s.onSweep != nil {
				s.onSweep(totals)
			}
		}
	}
}

// action builds an Action, mapping already-fixed sentinels to skips.
func (s *Sweeper) action(actionType ActionType, entityID, entityType string, err error) Action {
	a := Action{
		Type:        actionType,
		EntityID:    entityID,
		EntityType:  entityType,
		Success:     err == nil,
		ProcessedAt: s.now().UTC(),
	}
	if err != nil {
		if errors.Is(err, ErrMemberExists) || errors.Is(err, ErrLinkExists) || errors.Is(err, ErrGone) {
			a.Type = ActionSkipProcessing
			a.Success = false
			return a
		}
		a.ErrorMessage = err.Error()
	}
	return a
}
