package challenge

import (
	"context"
	"errors"

	"github.com/hyperengineering/nexlevel/internal/notify"
	"github.com/hyperengineering/nexlevel/internal/store"
	"github.com/hyperengineering/nexlevel/internal/streak"
	"github.com/hyperengineering/nexlevel/internal/types"
	"github.com/hyperengineering/nexlevel/internal/validation"
)

// Join enrolls userID in a new instance of a definition starting today in
// the instance timezone. Partner ids become invitations.
func (s *Service) Join(ctx context.Context, challengeID, userID string, req types.JoinChallengeRequest) (*types.ChallengeInstance, error) {
	var c validation.Collector
	c.AddAll(validation.ValidateUserIDs("partner_ids", req.PartnerIDs, userID))
	c.Add(validation.ValidateTimezone("timezone", req.Timezone))
	validation.ValidateText(&c, "display_name", req.DisplayName, validation.MaxNameLength)
	if err := invalid(c.Errors()); err != nil {
		return nil, err
	}

	def, err := s.joinable(ctx, challengeID, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.FindActiveInstance(ctx, def.ID, userID); err == nil {
		return nil, ErrAlreadyActive
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, storeErr(err)
	}
	if err := s.existingUsers(ctx, "partner_ids", req.PartnerIDs); err != nil {
		return nil, err
	}

	tz := req.Timezone
	if tz == "" {
		tz = s.defaultTZ
	}
	loc, err := streak.LoadLocation(tz)
	if err != nil {
		return nil, invalidField("timezone", "must be a valid IANA time zone")
	}
	today := streak.Today(s.now(), loc)
	startKey := streak.DayKey(today)

	inst := &types.ChallengeInstance{
		ChallengeID: def.ID,
		OwnerID:     userID,
		DisplayName: req.DisplayName,
		Timezone:    tz,
		StartDate:   startKey,
		EndDate:     streak.DayKey(streak.AddDays(today, def.DurationDays)),
		Members:     []types.Member{{UserID: userID, Status: types.MemberJoined, JoinedOn: startKey}},
	}
	for _, p := range req.PartnerIDs {
		inst.Members = append(inst.Members, types.Member{UserID: p, Status: types.MemberInvited, InvitedBy: userID})
	}
	if err := s.store.CreateInstance(ctx, inst); err != nil {
		return nil, storeErr(err)
	}

	if _, err := s.refresh(ctx, def, inst, inst.Members[0]); err != nil {
		s.logger.Warn("initial progress failed", "instance_id", inst.ID, "error", err)
	}
	s.invite(ctx, def, inst, userID, req.PartnerIDs)

	s.logger.Info("challenge joined",
		"action", "join",
		"challenge_id", def.ID,
		"instance_id", inst.ID,
		"user_id", userID,
		"partners", len(req.PartnerIDs),
	)
	return s.reload(ctx, inst.ID)
}

func (s *Service) invite(ctx context.Context, def *types.ChallengeDefinition, inst *types.ChallengeInstance, inviterID string, invitees []string) {
	if len(invitees) == 0 {
		return
	}
	payload := s.eventPayload(ctx, def, inst, inviterID)
	for _, invitee := range invitees {
		s.emit(ctx, notify.Event{
			SourceID:    notify.InviteSource(inst.ID, inviterID, invitee),
			Type:        types.NotificationChallengeInvitation,
			ActorID:     inviterID,
			ChallengeID: def.ID,
			InstanceID:  inst.ID,
			Payload:     payload,
		}, invitee)
	}
}

func (s *Service) reload(ctx context.Context, instanceID string) (*types.ChallengeInstance, error) {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, storeErr(err)
	}
	return inst, nil
}

// JoinInstance accepts an invitation. Joining an instance the user already
// joined returns it unchanged.
func (s *Service) JoinInstance(ctx context.Context, instanceID, userID string) (*types.ChallengeInstance, error) {
	inst, err := s.reload(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	m, ok := inst.Member(userID)
	if !ok {
		return nil, ErrForbidden
	}
	if inst.Status.Terminal() {
		return nil, ErrNotActive
	}
	switch m.Status {
	case types.MemberJoined:
		return inst, nil
	case types.MemberExited:
		return nil, ErrForbidden
	}

	loc, err := streak.LoadLocation(inst.Timezone)
	if err != nil {
		return nil, err
	}
	joinedOn := streak.DayKey(streak.Today(s.now(), loc))
	if _, err := s.store.JoinMember(ctx, inst.ID, userID, joinedOn); err != nil {
		return nil, storeErr(err)
	}

	inst, err = s.reload(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if m, ok := inst.Member(userID); ok && m.Status == types.MemberJoined {
		if def, err := s.store.GetChallenge(ctx, inst.ChallengeID); err == nil {
			if _, err := s.refresh(ctx, def, inst, m); err != nil {
				s.logger.Warn("initial progress failed", "instance_id", inst.ID, "user_id", userID, "error", err)
			}
		}
	}
	s.logger.Info("instance joined",
		"action", "join_instance",
		"instance_id", inst.ID,
		"user_id", userID,
	)
	return inst, nil
}

// InviteToInstance invites more partners. Any joined member may invite.
// It returns the ids that were newly invited.
func (s *Service) InviteToInstance(ctx context.Context, instanceID, inviterID string, userIDs []string) ([]string, error) {
	var c validation.Collector
	if len(userIDs) == 0 {
		c.Add(&validation.ValidationError{Field: "user_ids", Message: "must not be empty"})
	}
	c.AddAll(validation.ValidateUserIDs("user_ids", userIDs, inviterID))
	if err := invalid(c.Errors()); err != nil {
		return nil, err
	}

	inst, err := s.reload(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.IsParticipant(inviterID) {
		return nil, ErrForbidden
	}
	if inst.Status.Terminal() {
		return nil, ErrNotActive
	}
	if err := s.existingUsers(ctx, "user_ids", userIDs); err != nil {
		return nil, err
	}

	members := make([]types.Member, len(userIDs))
	for i, id := range userIDs {
		members[i] = types.Member{UserID: id, Status: types.MemberInvited, InvitedBy: inviterID}
	}
	added, err := s.store.AddMembers(ctx, inst.ID, members)
	if err != nil {
		return nil, storeErr(err)
	}
	if len(added) > 0 {
		def, err := s.store.GetChallenge(ctx, inst.ChallengeID)
		if err != nil {
			return nil, storeErr(err)
		}
		s.invite(ctx, def, inst, inviterID, added)
	}
	if added == nil {
		added = []string{}
	}
	return added, nil
}

// RenameInstance changes an instance's display name. Only the owner may
// rename it; the calendar window is unchanged.
func (s *Service) RenameInstance(ctx context.Context, instanceID, name, userID string) (*types.ChallengeInstance, error) {
	if err := invalid(validation.ValidateName("name", name)); err != nil {
		return nil, err
	}
	inst, err := s.reload(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.OwnerID != userID {
		return nil, ErrForbidden
	}
	if err := s.store.RenameInstance(ctx, inst.ID, name, s.now()); err != nil {
		return nil, storeErr(err)
	}
	return s.reload(ctx, instanceID)
}

// Exit leaves an instance. The owner leaving ends the instance for
// everyone; a partner leaving ends only their own participation. Exiting
// again is a no-op.
func (s *Service) Exit(ctx context.Context, instanceID, userID, reason string) error {
	var c validation.Collector
	validation.ValidateText(&c, "reason", reason, validation.MaxReasonLength)
	if err := invalid(c.Errors()); err != nil {
		return err
	}

	inst, err := s.reload(ctx, instanceID)
	if err != nil {
		return err
	}
	m, ok := inst.Member(userID)
	if !ok {
		return ErrForbidden
	}

	now := s.now()
	var changed bool
	if inst.OwnerID == userID {
		changed, err = s.store.ExitInstance(ctx, inst.ID, reason, now)
	} else if m.Status == types.MemberJoined && !inst.Status.Terminal() {
		changed, err = s.store.ExitMember(ctx, inst.ID, userID, now)
	}
	if err != nil {
		return storeErr(err)
	}
	if !changed {
		return nil
	}

	s.logger.Info("challenge exited",
		"action", "exit",
		"instance_id", inst.ID,
		"user_id", userID,
		"owner", inst.OwnerID == userID,
	)
	if def, err := s.store.GetChallenge(ctx, inst.ChallengeID); err == nil {
		payload := s.eventPayload(ctx, def, inst, userID)
		if reason != "" {
			payload["reason"] = reason
		}
		s.emit(ctx, notify.Event{
			SourceID:    notify.ExitSource(inst.ID, userID),
			Type:        types.NotificationChallengeExit,
			ActorID:     userID,
			ChallengeID: inst.ChallengeID,
			InstanceID:  inst.ID,
			Payload:     payload,
		}, inst.Partners(userID)...)
	}
	return nil
}

// member returns the instance and the caller's membership. Users who never
// joined are rejected with ErrForbidden.
func (s *Service) member(ctx context.Context, instanceID, userID string) (*types.ChallengeInstance, types.Member, error) {
	inst, err := s.reload(ctx, instanceID)
	if err != nil {
		return nil, types.Member{}, err
	}
	m, ok := inst.Member(userID)
	if !ok {
		return nil, types.Member{}, ErrForbidden
	}
	return inst, m, nil
}

// Instance returns an instance with its definition and the caller's
// progress. Invited users may view the instance they were invited to.
func (s *Service) Instance(ctx context.Context, instanceID, userID string) (*types.InstanceView, error) {
	inst, m, err := s.member(ctx, instanceID, userID)
	if err != nil {
		return nil, err
	}
	def, err := s.store.GetChallenge(ctx, inst.ChallengeID)
	if err != nil {
		return nil, storeErr(err)
	}
	view := &types.InstanceView{Instance: *inst, Challenge: *def}
	if m.Status != types.MemberInvited {
		p, err := s.store.GetProgress(ctx, inst.ID, userID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, storeErr(err)
		}
		view.Progress = p
	}
	return view, nil
}

// MyActiveChallenges lists the active instances userID has joined, with
// their definitions and cached progress.
func (s *Service) MyActiveChallenges(ctx context.Context, userID string) ([]types.InstanceView, error) {
	insts, err := s.store.ListActiveInstancesForUser(ctx, userID)
	if err != nil {
		return nil, storeErr(err)
	}
	defs := make(map[string]*types.ChallengeDefinition)
	views := make([]types.InstanceView, 0, len(insts))
	for _, inst := range insts {
		def, ok := defs[inst.ChallengeID]
		if !ok {
			if def, err = s.store.GetChallenge(ctx, inst.ChallengeID); err != nil {
				return nil, storeErr(err)
			}
			defs[inst.ChallengeID] = def
		}
		p, err := s.store.GetProgress(ctx, inst.ID, userID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, storeErr(err)
		}
		views = append(views, types.InstanceView{Instance: inst, Challenge: *def, Progress: p})
	}
	return views, nil
}
