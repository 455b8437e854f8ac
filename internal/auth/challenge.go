package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StepUpMethod is the verification method required to satisfy a challenge.
type StepUpMethod string

const (
	StepUpPassword     StepUpMethod = "password"
	StepUpWebAuthn     StepUpMethod = "webauthn"
	StepUpFreshSession StepUpMethod = "fresh_session"
)

// StepUpChallengeTTL is the maximum lifetime of a challenge: 5 minutes.
const StepUpChallengeTTL = 5 * time.Minute

// StepUpChallenge is the transient Redis record tracking a pending step-up.
type StepUpChallenge struct {
	ChallengeID    string
	UserID         string
	RequiredMethod StepUpMethod
	ReturnTo       string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Completed      bool
	CompletedAt    *time.Time
}

func challengeKey(cid string) string { return "stepup:" + cid }

// CreateStepUpChallenge stores a new challenge in Redis with a 5-minute TTL.
func (s *Service) CreateStepUpChallenge(ctx context.Context, uid string, method StepUpMethod, returnTo string) (*StepUpChallenge, error) {
	now := time.Now()
	c := &StepUpChallenge{
		ChallengeID:    uuid.NewString(),
		UserID:         uid,
		RequiredMethod: method,
		ReturnTo:       returnTo,
		CreatedAt:      now,
		ExpiresAt:      now.Add(StepUpChallengeTTL),
	}
	s.cache.Set(ctx, challengeKey(c.ChallengeID), c, StepUpChallengeTTL, nil)
	return c, nil
}

// GetStepUpChallenge retrieves a pending challenge by id. Uses GetInto
// rather than Get: once the challenge has fallen through to L2/L3, a plain
// Get's generic decode would hand back a map[string]any instead of
// *StepUpChallenge and the type assertion would silently miss.
func (s *Service) GetStepUpChallenge(ctx context.Context, cid string) (*StepUpChallenge, bool) {
	var c StepUpChallenge
	if !s.cache.GetInto(ctx, challengeKey(cid), &c) {
		return nil, false
	}
	return &c, true
}

// CompleteStepUpChallenge marks a challenge satisfied, re-storing it with
// its remaining TTL so GetStepUpChallenge continues to see it as completed
// until natural expiry.
func (s *Service) CompleteStepUpChallenge(ctx context.Context, cid string) (*StepUpChallenge, bool) {
	c, ok := s.GetStepUpChallenge(ctx, cid)
	if !ok {
		return nil, false
	}
	now := time.Now()
	c.Completed = true
	c.CompletedAt = &now

	remaining := time.Until(c.ExpiresAt)
	if remaining <= 0 {
		s.cache.Delete(ctx, challengeKey(cid))
		return nil, false
	}
	s.cache.Set(ctx, challengeKey(cid), c, remaining, nil)
	return c, true
}
