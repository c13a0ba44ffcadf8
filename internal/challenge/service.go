// Package challenge manages challenge definitions, enrollments and the
// check-in ledger, and keeps derived progress in sync with it.
package challenge

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/hyperengineering/nexlevel/internal/metrics"
	"github.com/hyperengineering/nexlevel/internal/notify"
	"github.com/hyperengineering/nexlevel/internal/store"
	"github.com/hyperengineering/nexlevel/internal/types"
)

// DefaultMilestones are the streak lengths that trigger a milestone
// notification.
var DefaultMilestones = []int{7, 30, 100}

// Store is the persistence the service needs.
type Store interface {
	store.ChallengeStore
	store.InstanceStore
	store.LedgerStore
}

// UserDirectory resolves user ids.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*types.User, error)
}

// Notifier emits notifications at most once per (event, recipient).
type Notifier interface {
	Emit(ctx context.Context, ev notify.Event, recipients ...string) (int, error)
}

// ProofVerifier checks that a photo proof key refers to an uploaded object
// owned by the participant.
type ProofVerifier interface {
	Verify(ctx context.Context, userID, instanceID, key string) error
}

// Config tunes the service. Zero values select defaults.
type Config struct {
	Milestones      []int
	DefaultTimezone string
	Proofs          ProofVerifier
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	Now             func() time.Time
}

// Service implements the challenge operations.
type Service struct {
	store      Store
	users      UserDirectory
	notifier   Notifier
	proofs     ProofVerifier
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
	milestones []int
	defaultTZ  string
}

// NewService creates a service.
func NewService(st Store, users UserDirectory, n Notifier, cfg Config) *Service {
	s := &Service{
		store:      st,
		users:      users,
		notifier:   n,
		proofs:     cfg.Proofs,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        cfg.Now,
		milestones: append([]int(nil), cfg.Milestones...),
		defaultTZ:  cfg.DefaultTimezone,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "challenge")
	if s.now == nil {
		s.now = time.Now
	}
	if len(s.milestones) == 0 {
		s.milestones = append([]int(nil), DefaultMilestones...)
	}
	sort.Ints(s.milestones)
	if s.defaultTZ == "" {
		s.defaultTZ = "UTC"
	}
	return s
}

// emit sends a notification event. Failures are logged, not returned: the
// state change it reports has already committed.
func (s *Service) emit(ctx context.Context, ev notify.Event, recipients ...string) {
	if s.notifier == nil || len(recipients) == 0 {
		return
	}
	if _, err := s.notifier.Emit(ctx, ev, recipients...); err != nil {
		s.logger.Warn("notification emit failed",
			"action", "emit",
			"type", ev.Type,
			"source", ev.SourceID,
			"error", err,
		)
	}
}

// deliver is emit for notifications that must not be lost: a failure is
// returned so the caller's retry can emit again.
func (s *Service) deliver(ctx context.Context, ev notify.Event, recipients ...string) error {
	if s.notifier == nil || len(recipients) == 0 {
		return nil
	}
	if _, err := s.notifier.Emit(ctx, ev, recipients...); err != nil {
		return storeErr(err)
	}
	return nil
}

// displayName returns the display name of a user, or "" when unknown.
func (s *Service) displayName(ctx context.Context, userID string) string {
	if s.users == nil {
		return ""
	}
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return ""
	}
	return u.DisplayName
}

// eventPayload builds the payload shared by instance notifications.
func (s *Service) eventPayload(ctx context.Context, def *types.ChallengeDefinition, inst *types.ChallengeInstance, actorID string) map[string]any {
	name := def.Name
	if inst.DisplayName != "" {
		name = inst.DisplayName
	}
	p := map[string]any{"challenge_name": name}
	if actorID != "" {
		if actor := s.displayName(ctx, actorID); actor != "" {
			p["actor_name"] = actor
		}
	}
	return p
}
