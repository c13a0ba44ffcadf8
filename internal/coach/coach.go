// Package coach generates AI coaching messages for challenge participants,
// bounded by a per-user token bucket and daily quotas.
package coach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hyperengineering/nexlevel/internal/metrics"
	"github.com/hyperengineering/nexlevel/internal/types"
	"github.com/hyperengineering/nexlevel/internal/validation"
)

var (
	// ErrRateLimited is returned when a user exceeds the request burst.
	ErrRateLimited = errors.New("too many coach requests, slow down")

	// ErrQuotaExceeded is returned when a per-user or global daily cap is spent.
	ErrQuotaExceeded = errors.New("daily coach quota exceeded")

	// ErrUnavailable is returned when no model is configured or the model
	// call fails.
	ErrUnavailable = errors.New("coach unavailable")
)

// Completer produces a model reply.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	ModelName() string
}

// Store persists coach exchanges and counts them for quotas.
type Store interface {
	RecordCoachMessage(ctx context.Context, m *types.CoachMessage) error
	CountCoachMessagesSince(ctx context.Context, userID string, since time.Time) (int, error)
	ListCoachMessages(ctx context.Context, userID string, limit int) ([]types.CoachMessage, error)
}

// Challenges supplies the context a reply is grounded in.
type Challenges interface {
	Challenge(ctx context.Context, id, userID string) (*types.ChallengeDefinition, error)
	MyActiveChallenges(ctx context.Context, userID string) ([]types.InstanceView, error)
}

// Limits bounds coach usage.
type Limits struct {
	Interval         time.Duration
	Burst            int
	UserDailyLimit   int
	GlobalDailyLimit int
}

// DefaultLimits allows one request per 10s with a burst of 3, 50 requests
// per user and 1,500 overall per UTC day.
var DefaultLimits = Limits{
	Interval:         10 * time.Second,
	Burst:            3,
	UserDailyLimit:   50,
	GlobalDailyLimit: 1500,
}

// Coach answers prompts.
type Coach struct {
	completer  Completer
	store      Store
	challenges Challenges
	limits     Limits
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	limiters map[string]*userLimiter
	inflight map[string]int
	pending  int
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a coach. completer may be nil, in which case every request
// fails with ErrUnavailable.
func New(completer Completer, store Store, challenges Challenges, limits Limits, m *metrics.Metrics, logger *slog.Logger) *Coach {
	if limits.Interval <= 0 {
		limits.Interval = DefaultLimits.Interval
	}
	if limits.Burst <= 0 {
		limits.Burst = DefaultLimits.Burst
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coach{
		completer:  completer,
		store:      store,
		challenges: challenges,
		limits:     limits,
		metrics:    m,
		logger:     logger.With("component", "coach"),
		now:        time.Now,
		limiters:   make(map[string]*userLimiter),
		inflight:   make(map[string]int),
	}
}

// Generate answers prompt for userID, optionally about one challenge, and
// stores the exchange. Limits are checked before the model is called; a
// failed call does not consume quota, and a request over a daily cap does
// not spend a burst token.
func (c *Coach) Generate(ctx context.Context, userID string, req types.CoachRequest) (*types.CoachMessage, error) {
	var v validation.Collector
	v.Add(validation.ValidateRequired("prompt", req.Prompt))
	validation.ValidateText(&v, "prompt", req.Prompt, validation.MaxPromptLength)
	if err := v.Err(); err != nil {
		return nil, err
	}
	if c.completer == nil {
		c.metrics.CoachRequest("unavailable")
		return nil, ErrUnavailable
	}

	release, err := c.reserve(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			c.metrics.CoachRequest("quota_exceeded")
		}
		return nil, err
	}
	defer release()
	if !c.allow(userID) {
		c.metrics.CoachRequest("rate_limited")
		return nil, ErrRateLimited
	}

	system, err := c.systemPrompt(ctx, userID, req.ChallengeID)
	if err != nil {
		return nil, err
	}

	reply, err := c.completer.Complete(ctx, system, req.Prompt)
	if err != nil {
		c.metrics.CoachRequest("error")
		c.logger.Warn("coach completion failed",
			"action", "generate",
			"user_id", userID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	msg := &types.CoachMessage{
		UserID:      userID,
		ChallengeID: req.ChallengeID,
		Prompt:      req.Prompt,
		Response:    reply,
		Model:       c.completer.ModelName(),
		CreatedAt:   c.now().UTC(),
	}
	if err := c.store.RecordCoachMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("record coach message: %w", err)
	}
	c.metrics.CoachRequest("ok")
	c.logger.Info("coach message generated",
		"action", "generate",
		"user_id", userID,
		"challenge_id", req.ChallengeID,
		"model", msg.Model,
	)
	return msg, nil
}

// Messages lists a user's past exchanges, newest first.
func (c *Coach) Messages(ctx context.Context, userID string, limit int) ([]types.CoachMessage, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return c.store.ListCoachMessages(ctx, userID, limit)
}

// allow takes a token from the user's bucket.
func (c *Coach) allow(userID string) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[userID]
	if !ok {
		l = &userLimiter{limiter: rate.NewLimiter(rate.Every(c.limits.Interval), c.limits.Burst)}
		c.limiters[userID] = l
	}
	l.lastSeen = now
	return l.limiter.AllowN(now, 1)
}

// Cleanup forgets the buckets of users idle for longer than idle and
// returns how many were dropped. idle is raised to Interval*Burst, the time
// an empty bucket takes to refill.
func (c *Coach) Cleanup(idle time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if full := c.limits.Interval * time.Duration(c.limits.Burst); idle < full {
		idle = full
	}
	cutoff := c.now().Add(-idle)
	dropped := 0
	for id, l := range c.limiters {
		if l.lastSeen.Before(cutoff) {
			delete(c.limiters, id)
			dropped++
		}
	}
	return dropped
}

// reserve checks the daily caps, counting requests still in flight, and
// holds a slot until release is called.
func (c *Coach) reserve(ctx context.Context, userID string) (func(), error) {
	since := startOfUTCDay(c.now())
	user, err := c.store.CountCoachMessagesSince(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("count coach messages: %w", err)
	}
	global := 0
	if c.limits.GlobalDailyLimit > 0 {
		if global, err = c.store.CountCoachMessagesSince(ctx, "", since); err != nil {
			return nil, fmt.Errorf("count coach messages: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limits.UserDailyLimit > 0 && user+c.inflight[userID] >= c.limits.UserDailyLimit {
		return nil, ErrQuotaExceeded
	}
	if c.limits.GlobalDailyLimit > 0 && global+c.pending >= c.limits.GlobalDailyLimit {
		return nil, ErrQuotaExceeded
	}
	c.inflight[userID]++
	c.pending++
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.pending--
		if c.inflight[userID]--; c.inflight[userID] <= 0 {
			delete(c.inflight, userID)
		}
	}, nil
}

func startOfUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

const basePrompt = `You are an encouraging accountability coach in a habit-building app.
Keep replies under 120 words, concrete and kind. Never invent statistics.`

// systemPrompt grounds the model in the user's challenge and progress.
func (c *Coach) systemPrompt(ctx context.Context, userID, challengeID string) (string, error) {
	if challengeID == "" || c.challenges == nil {
		return basePrompt, nil
	}
	def, err := c.challenges.Challenge(ctx, challengeID, userID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(basePrompt)
	fmt.Fprintf(&b, "\n\nChallenge: %s (%s, %d days).", def.Name, def.Frequency.Kind, def.DurationDays)
	if len(def.Tasks) > 0 {
		b.WriteString("\nTasks:")
		for _, t := range def.Tasks {
			fmt.Fprintf(&b, "\n- %s", t.Title)
		}
	}

	views, err := c.challenges.MyActiveChallenges(ctx, userID)
	if err != nil {
		return "", err
	}
	for _, v := range views {
		if v.Challenge.ID != challengeID || v.Progress == nil {
			continue
		}
		p := v.Progress
		fmt.Fprintf(&b, "\nProgress: current streak %d, longest %d, missed %d, completion %.0f%%.",
			p.CurrentStreak, p.LongestStreak, p.MissedDays, p.CompletionRate)
		if p.TodayComplete {
			b.WriteString(" Today is done.")
		}
		break
	}
	return b.String(), nil
}
