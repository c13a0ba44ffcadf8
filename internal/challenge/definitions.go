package challenge

import (
	"context"
	"errors"
	"slices"
	"strconv"

	"github.com/hyperengineering/nexlevel/internal/store"
	"github.com/hyperengineering/nexlevel/internal/types"
	"github.com/hyperengineering/nexlevel/internal/validation"
)

const (
	defaultPopularLimit = 10
	maxPopularLimit     = 50
)

// CreateChallenge validates the input and stores a new definition authored
// by authorID.
func (s *Service) CreateChallenge(ctx context.Context, authorID string, in types.ChallengeInput) (*types.ChallengeDefinition, error) {
	if err := invalid(validation.ValidateChallengeInput(in)); err != nil {
		return nil, err
	}
	def := &types.ChallengeDefinition{AuthorID: authorID}
	applyInput(def, in)
	for i := range def.Tasks {
		def.Tasks[i].ID = ""
	}
	if err := s.store.CreateChallenge(ctx, def); err != nil {
		return nil, storeErr(err)
	}
	s.logger.Info("challenge created",
		"action", "create_challenge",
		"challenge_id", def.ID,
		"author_id", authorID,
		"tasks", len(def.Tasks),
	)
	return def, nil
}

func applyInput(def *types.ChallengeDefinition, in types.ChallengeInput) {
	def.Name = in.Name
	def.Description = in.Description
	def.Category = in.Category
	def.Frequency = in.Frequency
	def.DurationDays = in.DurationDays
	def.RequirePhotoProof = in.RequirePhotoProof
	def.AllowGraceSkips = in.AllowGraceSkips
	def.GraceSkipsPerWeek = in.GraceSkipsPerWeek
	def.Visibility = in.Visibility
	if def.Visibility == "" {
		def.Visibility = types.VisibilityPublic
	}
	def.Policy = mergePolicy(in.Policy)
	def.Tasks = make([]types.Task, len(in.Tasks))
	for i, t := range in.Tasks {
		def.Tasks[i] = types.Task{ID: t.ID, Title: t.Title, Description: t.Description, Order: i}
	}
}

func mergePolicy(p *types.Policy) types.Policy {
	out := types.DefaultPolicy()
	if p == nil {
		return out
	}
	if p.Quota != "" {
		out.Quota = p.Quota
	}
	if p.CompletionRate != "" {
		out.CompletionRate = p.CompletionRate
	}
	if p.OffSchedule != "" {
		out.OffSchedule = p.OffSchedule
	}
	return out
}

// Challenge returns a definition visible to userID. Private definitions are
// visible to their author only.
func (s *Service) Challenge(ctx context.Context, id, userID string) (*types.ChallengeDefinition, error) {
	def, err := s.store.GetChallenge(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	if def.Visibility == types.VisibilityPrivate && def.AuthorID != userID {
		return nil, ErrNotFound
	}
	return def, nil
}

// authored returns a definition that userID may modify.
func (s *Service) authored(ctx context.Context, id, userID string) (*types.ChallengeDefinition, error) {
	def, err := s.Challenge(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if def.AuthorID != userID {
		return nil, ErrForbidden
	}
	return def, nil
}

// RenameChallenge renames a definition. Only its author may rename it.
func (s *Service) RenameChallenge(ctx context.Context, id, name, userID string) (*types.ChallengeDefinition, error) {
	if err := invalid(validation.ValidateName("name", name)); err != nil {
		return nil, err
	}
	if _, err := s.authored(ctx, id, userID); err != nil {
		return nil, err
	}
	if err := s.store.RenameChallenge(ctx, id, name, s.now()); err != nil {
		return nil, storeErr(err)
	}
	return s.Challenge(ctx, id, userID)
}

// UpdateChallenge replaces a definition's content. Once a definition has
// enrollments only its descriptive fields and task texts may change; the
// calendar and accounting rules are fixed.
func (s *Service) UpdateChallenge(ctx context.Context, id, userID string, in types.ChallengeInput) (*types.ChallengeDefinition, error) {
	if err := invalid(validation.ValidateChallengeInput(in)); err != nil {
		return nil, err
	}
	def, err := s.authored(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if def.ArchivedAt != nil {
		return nil, ErrNotActive
	}

	updated := *def
	applyInput(&updated, in)
	for i, t := range updated.Tasks {
		if t.ID != "" && !def.HasTask(t.ID) {
			return nil, invalidField("tasks["+strconv.Itoa(i)+"].id", "does not belong to this challenge")
		}
	}

	enrolled, err := s.store.CountInstances(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	if enrolled > 0 && !sameRules(def, &updated) {
		return nil, ErrConflict
	}

	if err := s.store.UpdateChallenge(ctx, &updated); err != nil {
		return nil, storeErr(err)
	}
	return s.Challenge(ctx, id, userID)
}

// sameRules reports whether two versions of a definition account check-ins
// identically.
func sameRules(a, b *types.ChallengeDefinition) bool {
	return a.Frequency.Kind == b.Frequency.Kind &&
		a.Frequency.DaysPerWeek == b.Frequency.DaysPerWeek &&
		slices.Equal(a.Frequency.Weekdays, b.Frequency.Weekdays) &&
		a.DurationDays == b.DurationDays &&
		a.RequirePhotoProof == b.RequirePhotoProof &&
		a.GraceBudget() == b.GraceBudget() &&
		a.Policy == b.Policy &&
		slices.Equal(a.TaskIDs(), b.TaskIDs())
}

// ArchiveChallenge hides a definition from discovery and new joins.
// Running instances continue.
func (s *Service) ArchiveChallenge(ctx context.Context, id, userID string) error {
	if _, err := s.authored(ctx, id, userID); err != nil {
		return err
	}
	return storeErr(s.store.ArchiveChallenge(ctx, id, s.now()))
}

// PopularChallenges lists public definitions ordered by active users.
func (s *Service) PopularChallenges(ctx context.Context, limit int) ([]types.ChallengeDefinition, error) {
	if limit <= 0 {
		limit = defaultPopularLimit
	}
	if limit > maxPopularLimit {
		limit = maxPopularLimit
	}
	defs, err := s.store.ListPopularChallenges(ctx, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	if defs == nil {
		defs = []types.ChallengeDefinition{}
	}
	return defs, nil
}

// AuthoredChallenges lists the definitions written by userID.
func (s *Service) AuthoredChallenges(ctx context.Context, userID string) ([]types.ChallengeDefinition, error) {
	defs, err := s.store.ListChallenges(ctx, store.ChallengeFilter{AuthorID: userID, IncludeArchived: true})
	if err != nil {
		return nil, storeErr(err)
	}
	if defs == nil {
		defs = []types.ChallengeDefinition{}
	}
	return defs, nil
}

// joinable returns a definition userID may enroll in.
func (s *Service) joinable(ctx context.Context, id, userID string) (*types.ChallengeDefinition, error) {
	def, err := s.Challenge(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if def.ArchivedAt != nil {
		return nil, ErrNotFound
	}
	return def, nil
}

// existingUsers checks that every id names a user.
func (s *Service) existingUsers(ctx context.Context, field string, ids []string) error {
	if s.users == nil {
		return nil
	}
	var c validation.Collector
	for i, id := range ids {
		_, err := s.users.GetUser(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			c.Add(&validation.ValidationError{Field: field + "[" + strconv.Itoa(i) + "]", Message: "unknown user"})
			continue
		}
		if err != nil {
			return storeErr(err)
		}
	}
	return invalid(c.Errors())
}
