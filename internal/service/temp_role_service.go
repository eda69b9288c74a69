package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/campus-roles-api/internal/models"
	"github.com/noah-isme/campus-roles-api/internal/notify"
	"github.com/noah-isme/campus-roles-api/pkg/config"
	appErrors "github.com/noah-isme/campus-roles-api/pkg/errors"
)

type tempAssignmentStore interface {
	ListExpiredTemporary(ctx context.Context, now time.Time) ([]models.UserRoleAssignment, error)
	FindByID(ctx context.Context, id string) (*models.UserRoleAssignment, error)
	UpdateStatus(ctx context.Context, id string, status models.AssignmentStatus) error
	UpdateExpiry(ctx context.Context, id string, expiresAt time.Time, metadata models.Metadata) error
	Create(ctx context.Context, assignment *models.UserRoleAssignment) error
}

type requestExpirer interface {
	ExpirePending(ctx context.Context, now time.Time) (int64, error)
}

// TempRoleService reverts expired temporary assignments and expires stale
// pending requests. The sweep is single-flight: a run that would overlap an
// in-progress one returns immediately.
type TempRoleService struct {
	assignments tempAssignmentStore
	requests    requestExpirer
	audit       auditStore
	dispatcher  notify.Dispatcher
	cfg         config.RoleEngineConfig
	metrics     *MetricsService
	logger      *zap.Logger
	now         func() time.Time

	sweepMu sync.Mutex

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewTempRoleService constructs the expiration processor.
func NewTempRoleService(
	assignments tempAssignmentStore,
	requests requestExpirer,
	audit auditStore,
	dispatcher notify.Dispatcher,
	cfg config.RoleEngineConfig,
	metrics *MetricsService,
	logger *zap.Logger,
) *TempRoleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dispatcher == nil {
		dispatcher = notify.NopDispatcher{}
	}
	return &TempRoleService{
		assignments: assignments,
		requests:    requests,
		audit:       audit,
		dispatcher:  dispatcher,
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the periodic sweep. Calling Start again replaces the
// running sweep so the new interval takes effect.
func (s *TempRoleService) Start(ctx context.Context, interval time.Duration) {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if interval <= 0 {
		interval = s.cfg.SweepInterval
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go func(stopCh, doneCh chan struct{}) {
		defer close(doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		if _, err := s.ProcessExpiredRoles(ctx); err != nil {
			s.logger.Error("expiration sweep failed", zap.Error(err))
		}
		for {
			select {
			case <-ticker.C:
				if _, err := s.ProcessExpiredRoles(ctx); err != nil {
					s.logger.Error("expiration sweep failed", zap.Error(err))
				}
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}(s.stopCh, s.doneCh)
	s.logger.Info("temporary role sweep started", zap.Duration("interval", interval))
}

// Stop halts the periodic sweep and waits for the loop to exit.
func (s *TempRoleService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()
	<-doneCh
}

// ProcessExpiredRoles runs one sweep: expire stale pending requests, then
// revert every expired temporary assignment. Item failures are isolated and
// reported in the result.
func (s *TempRoleService) ProcessExpiredRoles(ctx context.Context) (*models.SweepResult, error) {
	if !s.sweepMu.TryLock() {
		s.logger.Debug("expiration sweep already in progress, skipping")
		return &models.SweepResult{}, nil
	}
	defer s.sweepMu.Unlock()

	now := s.now()
	if expired, err := s.requests.ExpirePending(ctx, now); err != nil {
		s.logger.Error("failed to expire pending requests", zap.Error(err))
	} else if expired > 0 {
		s.logger.Info("expired stale role requests", zap.Int64("count", expired))
	}

	assignments, err := s.assignments.ListExpiredTemporary(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list expired temporary assignments: %w", err)
	}

	result := &models.SweepResult{Processed: len(assignments)}
	for i := range assignments {
		if err := s.processRoleExpiration(ctx, &assignments[i]); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, models.SweepError{
				AssignmentID: assignments[i].ID,
				Error:        err.Error(),
			})
			s.logger.Error("failed to process expired assignment",
				zap.String("assignment_id", assignments[i].ID), zap.Error(err))
			continue
		}
		result.Successful++
	}
	s.metrics.RecordSweep(result.Successful, result.Failed)
	if result.Processed > 0 {
		s.logger.Info("expiration sweep finished",
			zap.Int("processed", result.Processed),
			zap.Int("successful", result.Successful),
			zap.Int("failed", result.Failed),
		)
	}
	return result, nil
}

// processRoleExpiration reverts one expired assignment. The assignment is
// re-read first so a concurrent revocation or extension makes this a no-op.
func (s *TempRoleService) processRoleExpiration(ctx context.Context, assignment *models.UserRoleAssignment) error {
	now := s.now()
	if !assignment.IsExpired(now) {
		return nil
	}

	current, err := s.assignments.FindByID(ctx, assignment.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("reload assignment: %w", err)
	}
	if current.Status != models.AssignmentStatusActive || !current.IsExpired(now) {
		return nil
	}

	if err := s.assignments.UpdateStatus(ctx, current.ID, models.AssignmentStatusExpired); err != nil {
		return fmt.Errorf("mark assignment expired: %w", err)
	}

	revertRole := s.reversionRole(current)
	reversion := &models.UserRoleAssignment{
		UserID:        current.UserID,
		Role:          revertRole,
		Status:        models.AssignmentStatusActive,
		AssignedBy:    systemActor,
		AssignedAt:    now,
		DepartmentID:  current.DepartmentID,
		InstitutionID: current.InstitutionID,
		Metadata: models.Metadata{
			"auto_expired":          true,
			"expired_assignment_id": current.ID,
		},
	}
	if err := s.assignments.Create(ctx, reversion); err != nil {
		return fmt.Errorf("create reversion assignment: %w", err)
	}

	expiredRole := current.Role
	s.writeAudit(ctx, &models.RoleAuditLog{
		UserID:        current.UserID,
		ActorID:       systemActor,
		Action:        models.AuditActionExpired,
		FromRole:      &expiredRole,
		ToRole:        &revertRole,
		InstitutionID: current.InstitutionID,
		Metadata: models.Metadata{
			"expired_assignment_id":   current.ID,
			"reversion_assignment_id": reversion.ID,
		},
	})

	if s.cfg.NotifyOnExpiration {
		s.dispatcher.Send(ctx, notify.Notification{
			UserID:   current.UserID,
			Type:     "temporary_role_expired",
			Title:    "Temporary role expired",
			Message:  fmt.Sprintf("Your temporary %s role has expired and you have been reverted to %s", current.Role, revertRole),
			Data:     map[string]interface{}{"assignment_id": current.ID},
			Channels: []string{notify.ChannelInApp, notify.ChannelEmail},
			Priority: notify.PriorityNormal,
		})
	}
	return nil
}

// reversionRole resolves which role the user falls back to: the preserved
// original role when configured, an explicit revert role on the assignment,
// or the configured default.
func (s *TempRoleService) reversionRole(assignment *models.UserRoleAssignment) models.Role {
	if s.cfg.PreserveOriginalRole {
		if v, ok := assignment.Metadata.GetString("previous_role"); ok {
			if previous := models.Role(v); previous.Valid() {
				return previous
			}
		}
	}
	if v, ok := assignment.Metadata.GetString("revert_role"); ok {
		if explicit := models.Role(v); explicit.Valid() {
			return explicit
		}
	}
	if fallback := models.Role(s.cfg.DefaultRevertRole); fallback.Valid() {
		return fallback
	}
	return models.RoleStudent
}

// Extend moves the expiry of an active temporary assignment to newExpiration
// and records the extension in its metadata history.
func (s *TempRoleService) Extend(ctx context.Context, assignmentID string, newExpiration time.Time, actorID, reason string) (*models.UserRoleAssignment, error) {
	now := s.now()
	if !newExpiration.After(now) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "New expiration must be in the future")
	}

	assignment, err := s.assignments.FindByID(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "Role assignment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load assignment")
	}
	if assignment.Status != models.AssignmentStatusActive || !assignment.IsTemporary || assignment.ExpiresAt == nil {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "Only active temporary assignments can be extended")
	}

	newExpiry := newExpiration
	maxExpiry := now.Add(time.Duration(s.cfg.MaxTemporaryRoleDays) * 24 * time.Hour)
	if newExpiry.After(maxExpiry) {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("Temporary role duration must be positive and cannot exceed %d days", s.cfg.MaxTemporaryRoleDays))
	}

	metadata := models.Metadata{}
	for k, v := range assignment.Metadata {
		metadata[k] = v
	}
	extensions, _ := metadata["extensions"].([]interface{})
	extensions = append(extensions, map[string]interface{}{
		"extended_by": actorID,
		"extended_at": now.Format(time.RFC3339),
		"new_expiry":  newExpiry.Format(time.RFC3339),
		"reason":      reason,
	})
	metadata["extensions"] = extensions

	if err := s.assignments.UpdateExpiry(ctx, assignment.ID, newExpiry, metadata); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to extend assignment")
	}

	role := assignment.Role
	auditReason := reason
	entry := &models.RoleAuditLog{
		UserID:        assignment.UserID,
		ActorID:       actorID,
		Action:        models.AuditActionChanged,
		FromRole:      &role,
		ToRole:        &role,
		InstitutionID: assignment.InstitutionID,
		Metadata: models.Metadata{
			"assignment_id": assignment.ID,
			"new_expiry":    newExpiry.Format(time.RFC3339),
		},
	}
	if auditReason != "" {
		entry.Reason = &auditReason
	}
	s.writeAudit(ctx, entry)

	assignment.ExpiresAt = &newExpiry
	assignment.Metadata = metadata
	return assignment, nil
}

func (s *TempRoleService) writeAudit(ctx context.Context, entry *models.RoleAuditLog) {
	if err := s.audit.Create(ctx, entry); err != nil {
		s.logger.Error("failed to write audit entry",
			zap.String("user_id", entry.UserID),
			zap.String("action", entry.Action),
			zap.Error(err),
		)
	}
}
