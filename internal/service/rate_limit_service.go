package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/campus-roles-api/internal/models"
	"github.com/noah-isme/campus-roles-api/pkg/config"
)

type rateLimitRepository interface {
	ActiveBlock(ctx context.Context, userID string, now time.Time) (*models.RateLimitBlock, error)
	CountByUserSince(ctx context.Context, userID string, since time.Time) (int, error)
	CountByUserRoleSince(ctx context.Context, userID string, role models.Role, since time.Time) (int, error)
	CountByIPSince(ctx context.Context, clientIP string, since time.Time) (int, error)
	CountByInstitutionSince(ctx context.Context, institutionID string, since time.Time) (int, error)
	OldestByUserSince(ctx context.Context, userID string, since time.Time) (*time.Time, error)
	Record(ctx context.Context, entry *models.RateLimitEntry) error
	Cooldown(ctx context.Context, userID string, role models.Role) (*models.RoleCooldown, error)
	UpsertCooldown(ctx context.Context, userID string, role models.Role, expiresAt time.Time) error
	ClearUser(ctx context.Context, userID string) error
	CreateBlock(ctx context.Context, block *models.RateLimitBlock) error
	RecordViolation(ctx context.Context, violation *models.RateLimitViolation) error
	RecordAdminAction(ctx context.Context, action *models.RateLimitAdminAction) error
}

// Rate-limit denial kinds.
const (
	limitKindBlocked     = "blocked"
	limitKindUserHour    = "user_hour"
	limitKindUserDay     = "user_day"
	limitKindUserWeek    = "user_week"
	limitKindIPHour      = "ip_hour"
	limitKindIPDay       = "ip_day"
	limitKindInstHour    = "institution_hour"
	limitKindInstDay     = "institution_day"
	limitKindBurst       = "burst"
	limitKindRoleDay     = "role_day"
	limitKindCooldown    = "cooldown"
	limitKindUnavailable = "unavailable"
)

// RateLimitService enforces the sliding-window quotas guarding role requests.
// Storage failures fail closed (denial); the cooldown lookup is the one
// secondary check that fails open.
type RateLimitService struct {
	repo    rateLimitRepository
	cfg     config.RateLimitConfig
	metrics *MetricsService
	logger  *zap.Logger
	now     func() time.Time
}

// NewRateLimitService constructs the rate limiter.
func NewRateLimitService(repo rateLimitRepository, cfg config.RateLimitConfig, metrics *MetricsService, logger *zap.Logger) *RateLimitService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimitService{
		repo:    repo,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Check runs the layered rate-limit checks in order, short-circuiting on the
// first exceeded limit. It performs no mutation on the deny path beyond
// recording the violation.
func (s *RateLimitService) Check(ctx context.Context, userID string, role models.Role, institutionID, clientIP string) models.RateLimitDecision {
	now := s.now()

	// 1. Explicit admin-issued block.
	block, err := s.repo.ActiveBlock(ctx, userID, now)
	if err != nil {
		return s.failClosed(userID, institutionID, err)
	}
	if block != nil {
		retry := block.BlockedUntil.Sub(now)
		return s.deny(ctx, userID, institutionID, limitKindBlocked,
			fmt.Sprintf("Temporarily blocked: %s", block.Reason), retry, &block.BlockedUntil)
	}

	// 2. Per-user sliding windows.
	hourCount, err := s.repo.CountByUserSince(ctx, userID, now.Add(-time.Hour))
	if err != nil {
		return s.failClosed(userID, institutionID, err)
	}
	if hourCount >= s.cfg.UserPerHour {
		reset := now.Truncate(time.Hour).Add(time.Hour)
		return s.deny(ctx, userID, institutionID, limitKindUserHour,
			fmt.Sprintf("Hourly limit exceeded: %d/%d requests in the last hour", hourCount, s.cfg.UserPerHour),
			reset.Sub(now), &reset)
	}

	dayCount, err := s.repo.CountByUserSince(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		return s.failClosed(userID, institutionID, err)
	}
	if dayCount >= s.cfg.UserPerDay {
		reset := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		return s.deny(ctx, userID, institutionID, limitKindUserDay,
			fmt.Sprintf("Daily limit exceeded: %d/%d requests in the last day", dayCount, s.cfg.UserPerDay),
			reset.Sub(now), &reset)
	}

	weekStart := now.Add(-7 * 24 * time.Hour)
	weekCount, err := s.repo.CountByUserSince(ctx, userID, weekStart)
	if err != nil {
		return s.failClosed(userID, institutionID, err)
	}
	if weekCount >= s.cfg.UserPerWeek {
		reset := now.Add(7 * 24 * time.Hour)
		if oldest, err := s.repo.OldestByUserSince(ctx, userID, weekStart); err == nil && oldest != nil {
			reset = oldest.Add(7 * 24 * time.Hour)
		}
		return s.deny(ctx, userID, institutionID, limitKindUserWeek,
			fmt.Sprintf("Weekly limit exceeded: %d/%d requests in the last week", weekCount, s.cfg.UserPerWeek),
			reset.Sub(now), &reset)
	}

	// 3. Per-IP sliding windows, only when an IP is supplied.
	if clientIP != "" {
		ipHour, err := s.repo.CountByIPSince(ctx, clientIP, now.Add(-time.Hour))
		if err != nil {
			return s.failClosed(userID, institutionID, err)
		}
		if ipHour >= s.cfg.IPPerHour {
			reset := now.Truncate(time.Hour).Add(time.Hour)
			return s.deny(ctx, userID, institutionID, limitKindIPHour,
				fmt.Sprintf("IP hourly limit exceeded: %d/%d requests in the last hour", ipHour, s.cfg.IPPerHour),
				reset.Sub(now), &reset)
		}
		ipDay, err := s.repo.CountByIPSince(ctx, clientIP, now.Add(-24*time.Hour))
		if err != nil {
			return s.failClosed(userID, institutionID, err)
		}
		if ipDay >= s.cfg.IPPerDay {
			reset := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
			return s.deny(ctx, userID, institutionID, limitKindIPDay,
				fmt.Sprintf("IP daily limit exceeded: %d/%d requests in the last day", ipDay, s.cfg.IPPerDay),
				reset.Sub(now), &reset)
		}
	}

	// 4. Per-institution sliding windows.
	instHour, err := s.repo.CountByInstitutionSince(ctx, institutionID, now.Add(-time.Hour))
	if err != nil {
		return s.failClosed(userID, institutionID, err)
	}
	if instHour >= s.cfg.InstitutionPerHour {
		reset := now.Truncate(time.Hour).Add(time.Hour)
		return s.deny(ctx, userID, institutionID, limitKindInstHour,
			fmt.Sprintf("Institution hourly limit exceeded: %d/%d requests in the last hour", instHour, s.cfg.InstitutionPerHour),
			reset.Sub(now), &reset)
	}
	instDay, err := s.repo.CountByInstitutionSince(ctx, institutionID, now.Add(-24*time.Hour))
	if err != nil {
		return s.failClosed(userID, institutionID, err)
	}
	if instDay >= s.cfg.InstitutionPerDay {
		reset := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		return s.deny(ctx, userID, institutionID, limitKindInstDay,
			fmt.Sprintf("Institution daily limit exceeded: %d/%d requests in the last day", instDay, s.cfg.InstitutionPerDay),
			reset.Sub(now), &reset)
	}

	// 5. Burst protection.
	burstCount, err := s.repo.CountByUserSince(ctx, userID, now.Add(-s.cfg.BurstWindow))
	if err != nil {
		return s.failClosed(userID, institutionID, err)
	}
	if burstCount >= s.cfg.BurstLimit {
		return s.deny(ctx, userID, institutionID, limitKindBurst,
			fmt.Sprintf("Too many requests in a short period: %d requests in the last %s", burstCount, s.cfg.BurstWindow),
			s.cfg.BurstWindow, nil)
	}

	// Role-specific daily cap.
	if roleLimit, ok := s.cfg.RoleDailyLimits[string(role)]; ok && roleLimit > 0 {
		roleDay, err := s.repo.CountByUserRoleSince(ctx, userID, role, now.Add(-24*time.Hour))
		if err != nil {
			return s.failClosed(userID, institutionID, err)
		}
		if roleDay >= roleLimit {
			reset := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
			return s.deny(ctx, userID, institutionID, limitKindRoleDay,
				fmt.Sprintf("Daily limit for role %s exceeded: %d/%d requests", role, roleDay, roleLimit),
				reset.Sub(now), &reset)
		}
	}

	// 6. Per-role cooldown. This is a courtesy check: a lookup failure fails
	// open rather than denying.
	cooldown, err := s.repo.Cooldown(ctx, userID, role)
	if err != nil {
		s.logger.Warn("cooldown lookup failed, allowing request",
			zap.String("user_id", userID), zap.Error(err))
	} else if cooldown != nil && cooldown.ExpiresAt.After(now) {
		retry := cooldown.ExpiresAt.Sub(now)
		expires := cooldown.ExpiresAt
		return s.deny(ctx, userID, institutionID, limitKindCooldown,
			fmt.Sprintf("Role request cooldown active for %s", role), retry, &expires)
	}

	return models.RateLimitDecision{Allowed: true}
}

// Record appends the accepted request to the log and refreshes the role
// cooldown. It must only be called after Check allowed the request; failures
// here never fail the surrounding operation.
func (s *RateLimitService) Record(ctx context.Context, userID string, role models.Role, institutionID, clientIP string) {
	entry := &models.RateLimitEntry{
		UserID:        userID,
		RequestedRole: role,
		InstitutionID: institutionID,
		RequestedAt:   s.now(),
	}
	if clientIP != "" {
		entry.ClientIP = &clientIP
	}
	if err := s.repo.Record(ctx, entry); err != nil {
		s.logger.Error("failed to record rate-limit entry",
			zap.String("user_id", userID), zap.Error(err))
	}

	hours := s.cfg.RoleCooldownHours[string(role)]
	if hours <= 0 {
		hours = 1
	}
	expiresAt := s.now().Add(time.Duration(hours) * time.Hour)
	if err := s.repo.UpsertCooldown(ctx, userID, role, expiresAt); err != nil {
		s.logger.Error("failed to upsert role cooldown",
			zap.String("user_id", userID), zap.String("role", string(role)), zap.Error(err))
	}
}

// ResetUserLimits clears the user's request log and cooldowns. The action is
// recorded for audit.
func (s *RateLimitService) ResetUserLimits(ctx context.Context, userID, actorID, reason string) error {
	if err := s.repo.ClearUser(ctx, userID); err != nil {
		return err
	}
	action := &models.RateLimitAdminAction{UserID: userID, Action: "reset", ActorID: actorID, Reason: reason}
	if err := s.repo.RecordAdminAction(ctx, action); err != nil {
		s.logger.Error("failed to record rate-limit reset", zap.String("user_id", userID), zap.Error(err))
	}
	return nil
}

// BlockUser issues an explicit block for the given duration. The action is
// recorded for audit.
func (s *RateLimitService) BlockUser(ctx context.Context, userID string, duration time.Duration, actorID, reason string) error {
	now := s.now()
	block := &models.RateLimitBlock{
		UserID:       userID,
		Reason:       reason,
		BlockedBy:    actorID,
		BlockedAt:    now,
		BlockedUntil: now.Add(duration),
	}
	if err := s.repo.CreateBlock(ctx, block); err != nil {
		return err
	}
	action := &models.RateLimitAdminAction{UserID: userID, Action: "block", ActorID: actorID, Reason: reason}
	if err := s.repo.RecordAdminAction(ctx, action); err != nil {
		s.logger.Error("failed to record rate-limit block", zap.String("user_id", userID), zap.Error(err))
	}
	return nil
}

// Status returns a read-only remaining-quota report for the user and role.
func (s *RateLimitService) Status(ctx context.Context, userID string, role models.Role) (*models.RateLimitStatus, error) {
	now := s.now()
	status := &models.RateLimitStatus{
		UserID:    userID,
		HourLimit: s.cfg.UserPerHour,
		DayLimit:  s.cfg.UserPerDay,
		WeekLimit: s.cfg.UserPerWeek,
	}

	var err error
	if status.HourUsed, err = s.repo.CountByUserSince(ctx, userID, now.Add(-time.Hour)); err != nil {
		return nil, err
	}
	if status.DayUsed, err = s.repo.CountByUserSince(ctx, userID, now.Add(-24*time.Hour)); err != nil {
		return nil, err
	}
	if status.WeekUsed, err = s.repo.CountByUserSince(ctx, userID, now.Add(-7*24*time.Hour)); err != nil {
		return nil, err
	}
	if limit, ok := s.cfg.RoleDailyLimits[string(role)]; ok {
		status.RoleDayLimit = limit
		if status.RoleDayUsed, err = s.repo.CountByUserRoleSince(ctx, userID, role, now.Add(-24*time.Hour)); err != nil {
			return nil, err
		}
	}
	if cooldown, err := s.repo.Cooldown(ctx, userID, role); err == nil && cooldown != nil && cooldown.ExpiresAt.After(now) {
		expires := cooldown.ExpiresAt
		status.CooldownUntil = &expires
		status.NextAllowedAt = &expires
	}
	if block, err := s.repo.ActiveBlock(ctx, userID, now); err == nil && block != nil {
		until := block.BlockedUntil
		status.BlockedUntil = &until
		if status.NextAllowedAt == nil || until.After(*status.NextAllowedAt) {
			status.NextAllowedAt = &until
		}
	}
	return status, nil
}

func (s *RateLimitService) deny(ctx context.Context, userID, institutionID, kind, reason string, retryAfter time.Duration, resetTime *time.Time) models.RateLimitDecision {
	s.metrics.RecordRateLimitDenial(kind)
	violation := &models.RateLimitViolation{
		UserID:        userID,
		LimitKind:     kind,
		Detail:        reason,
		InstitutionID: institutionID,
	}
	if err := s.repo.RecordViolation(ctx, violation); err != nil {
		s.logger.Error("failed to record rate-limit violation",
			zap.String("user_id", userID), zap.Error(err))
	}
	return models.RateLimitDecision{
		Allowed:    false,
		Reason:     reason,
		LimitKind:  kind,
		RetryAfter: retryAfter,
		ResetTime:  resetTime,
	}
}

// failClosed converts a storage failure into a denial. Rate limiting guards a
// security-sensitive path, so ambiguity resolves to "no".
func (s *RateLimitService) failClosed(userID, institutionID string, err error) models.RateLimitDecision {
	s.logger.Error("rate-limit check failed, denying request",
		zap.String("user_id", userID), zap.String("institution_id", institutionID), zap.Error(err))
	s.metrics.RecordRateLimitDenial(limitKindUnavailable)
	return models.RateLimitDecision{
		Allowed:   false,
		Reason:    "Rate limit check unavailable",
		LimitKind: limitKindUnavailable,
	}
}
