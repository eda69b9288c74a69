package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-roles-api/internal/models"
	"github.com/noah-isme/campus-roles-api/internal/notify"
	"github.com/noah-isme/campus-roles-api/pkg/config"
	appErrors "github.com/noah-isme/campus-roles-api/pkg/errors"
)

// systemActor marks operations performed by the engine itself, such as
// auto-approval. It bypasses the approver permission check.
const systemActor = "system"

type roleRequestStore interface {
	Create(ctx context.Context, request *models.RoleRequest) error
	FindByID(ctx context.Context, id string) (*models.RoleRequest, error)
	HasPending(ctx context.Context, userID string, role models.Role, institutionID string) (bool, error)
	Resolve(ctx context.Context, id string, status models.RequestStatus, reviewedBy, notes string) error
}

type assignmentStore interface {
	Create(ctx context.Context, assignment *models.UserRoleAssignment) error
	FindActive(ctx context.Context, userID string, role models.Role, institutionID string) (*models.UserRoleAssignment, error)
	FindCurrentActive(ctx context.Context, userID, institutionID string) (*models.UserRoleAssignment, error)
	ListActiveUserIDsByMinRole(ctx context.Context, institutionID string, min models.Role) ([]string, error)
	UpdateStatus(ctx context.Context, id string, status models.AssignmentStatus) error
	ActiveRoles(ctx context.Context, userID, institutionID string) ([]models.Role, error)
}

type auditStore interface {
	Create(ctx context.Context, entry *models.RoleAuditLog) error
}

type escalationChecker interface {
	ValidateRoleRequest(ctx context.Context, userID string, requestedRole models.Role, institutionID string, reqCtx models.RequestContext) models.EscalationDecision
	ValidateApproverPermission(ctx context.Context, approverID, requestUserID string, requestedRole models.Role, institutionID string) models.ApproverDecision
}

type requestRateLimiter interface {
	Check(ctx context.Context, userID string, role models.Role, institutionID, clientIP string) models.RateLimitDecision
	Record(ctx context.Context, userID string, role models.Role, institutionID, clientIP string)
}

// RoleRequestInput carries a user's ask for a new role.
type RoleRequestInput struct {
	UserID        string      `validate:"required"`
	RequestedRole models.Role `validate:"required"`
	InstitutionID string      `validate:"required"`
	DepartmentID  *string
	Justification string
	Context       models.RequestContext
}

// AssignmentInput carries a direct role assignment.
type AssignmentInput struct {
	UserID        string      `validate:"required"`
	Role          models.Role `validate:"required"`
	AssignedBy    string      `validate:"required"`
	InstitutionID string      `validate:"required"`
	DepartmentID  *string
	Metadata      models.Metadata
}

// RoleService owns the role request lifecycle and assignment state changes.
// Every state change lands in the audit trail; notifications are best-effort
// side effects that never fail the operation.
type RoleService struct {
	requests    roleRequestStore
	assignments assignmentStore
	audit       auditStore
	escalation  escalationChecker
	rateLimits  requestRateLimiter
	dispatcher  notify.Dispatcher
	cfg         config.RoleEngineConfig
	metrics     *MetricsService
	validate    *validator.Validate
	logger      *zap.Logger
	now         func() time.Time
}

// NewRoleService constructs the role manager.
func NewRoleService(
	requests roleRequestStore,
	assignments assignmentStore,
	audit auditStore,
	escalation escalationChecker,
	rateLimits requestRateLimiter,
	dispatcher notify.Dispatcher,
	cfg config.RoleEngineConfig,
	metrics *MetricsService,
	logger *zap.Logger,
) *RoleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dispatcher == nil {
		dispatcher = notify.NopDispatcher{}
	}
	return &RoleService{
		requests:    requests,
		assignments: assignments,
		audit:       audit,
		escalation:  escalation,
		rateLimits:  rateLimits,
		dispatcher:  dispatcher,
		cfg:         cfg,
		metrics:     metrics,
		validate:    validator.New(),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Request validates and persists a new role request. The request passes the
// rate limiter and the escalation check before anything is written; a
// request for an auto-approvable role that raised no flags is approved
// immediately.
func (s *RoleService) Request(ctx context.Context, input RoleRequestInput) (*models.RoleRequest, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "Missing required fields")
	}
	if !input.RequestedRole.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("Invalid role: %s", input.RequestedRole))
	}
	if input.Justification != "" && (len(input.Justification) < 20 || len(input.Justification) > 500) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "Justification must be between 20 and 500 characters")
	}

	pending, err := s.requests.HasPending(ctx, input.UserID, input.RequestedRole, input.InstitutionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check pending requests")
	}
	if pending {
		return nil, appErrors.Clone(appErrors.ErrConflict, "You already have a pending request for this role")
	}

	limit := s.rateLimits.Check(ctx, input.UserID, input.RequestedRole, input.InstitutionID, input.Context.ClientIP)
	if !limit.Allowed {
		s.metrics.RecordRequestOutcome("rate_limited")
		return nil, appErrors.RateLimited(limit.Reason, limit.RetryAfter)
	}

	decision := s.escalation.ValidateRoleRequest(ctx, input.UserID, input.RequestedRole, input.InstitutionID, input.Context)
	if !decision.Allowed {
		s.metrics.RecordRequestOutcome("blocked")
		return nil, appErrors.Clone(appErrors.ErrEscalationBlocked, decision.Reason)
	}

	currentRole := s.currentRole(ctx, input.UserID, input.InstitutionID)

	now := s.now()
	request := &models.RoleRequest{
		UserID:             input.UserID,
		RequestedRole:      input.RequestedRole,
		CurrentRole:        currentRole,
		Justification:      input.Justification,
		Status:             models.RequestStatusPending,
		RequestedAt:        now,
		VerificationMethod: s.verificationMethod(input.RequestedRole, decision.RequiresApproval),
		InstitutionID:      input.InstitutionID,
		DepartmentID:       input.DepartmentID,
		ExpiresAt:          now.AddDate(0, 0, s.cfg.RequestExpirationDays),
		Metadata: models.Metadata{
			"requires_approval": decision.RequiresApproval,
			"risk_score":        decision.RiskScore,
		},
	}
	if input.Context.ClientIP != "" {
		request.Metadata["client_ip"] = input.Context.ClientIP
	}

	if err := s.requests.Create(ctx, request); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create role request")
	}
	s.rateLimits.Record(ctx, input.UserID, input.RequestedRole, input.InstitutionID, input.Context.ClientIP)
	s.metrics.RecordRequestOutcome("submitted")

	s.writeAudit(ctx, &models.RoleAuditLog{
		UserID:        input.UserID,
		ActorID:       input.UserID,
		Action:        models.AuditActionRequested,
		FromRole:      currentRole,
		ToRole:        &request.RequestedRole,
		InstitutionID: input.InstitutionID,
		Metadata:      models.Metadata{"request_id": request.ID, "risk_score": decision.RiskScore},
	})

	s.dispatcher.Send(ctx, notify.Notification{
		UserID:   input.UserID,
		Type:     "role_request_submitted",
		Title:    "Role request submitted",
		Message:  fmt.Sprintf("Your request for the %s role has been submitted", input.RequestedRole),
		Data:     map[string]interface{}{"request_id": request.ID},
		Channels: []string{notify.ChannelInApp},
		Priority: notify.PriorityNormal,
	})

	if !decision.RequiresApproval && s.autoApprovable(input.RequestedRole) {
		approved, err := s.Approve(ctx, request.ID, systemActor, "Auto-approved")
		if err != nil {
			return nil, err
		}
		s.metrics.RecordRequestOutcome("auto_approved")
		return approved, nil
	}

	s.notifyApprovers(ctx, request)
	return request, nil
}

// Approve moves a pending request into APPROVED and assigns the role. A
// request that was approved but could not be assigned is a data
// inconsistency and is reported as a fatal error.
func (s *RoleService) Approve(ctx context.Context, requestID, approverID, notes string) (*models.RoleRequest, error) {
	request, err := s.requests.FindByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "Role request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load role request")
	}
	if !request.IsPending() {
		return nil, appErrors.ErrAlreadyProcessed
	}

	if approverID != systemActor {
		decision := s.escalation.ValidateApproverPermission(ctx, approverID, request.UserID, request.RequestedRole, request.InstitutionID)
		if !decision.Allowed {
			return nil, appErrors.Clone(appErrors.ErrForbidden, decision.Reason)
		}
	}

	if err := s.requests.Resolve(ctx, requestID, models.RequestStatusApproved, approverID, notes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrAlreadyProcessed
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to approve role request")
	}

	_, err = s.Assign(ctx, AssignmentInput{
		UserID:        request.UserID,
		Role:          request.RequestedRole,
		AssignedBy:    approverID,
		InstitutionID: request.InstitutionID,
		DepartmentID:  request.DepartmentID,
		Metadata:      models.Metadata{"approved_request_id": requestID},
	})
	if err != nil {
		var typed *appErrors.Error
		if errors.As(err, &typed) && typed.Code == appErrors.ErrAlreadyHasRole.Code {
			s.logger.Warn("approved request for a role the user already holds",
				zap.String("request_id", requestID), zap.String("user_id", request.UserID))
		} else {
			s.logger.Error("role request approved but assignment failed",
				zap.String("request_id", requestID), zap.String("user_id", request.UserID), zap.Error(err))
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status,
				"Role request approved but assignment failed")
		}
	}

	s.metrics.RecordRequestOutcome("approved")
	s.writeAudit(ctx, &models.RoleAuditLog{
		UserID:        request.UserID,
		ActorID:       approverID,
		Action:        models.AuditActionApproved,
		FromRole:      request.CurrentRole,
		ToRole:        &request.RequestedRole,
		InstitutionID: request.InstitutionID,
		Metadata:      models.Metadata{"request_id": requestID},
	})
	s.dispatcher.Send(ctx, notify.Notification{
		UserID:   request.UserID,
		Type:     "role_request_approved",
		Title:    "Role request approved",
		Message:  fmt.Sprintf("Your request for the %s role has been approved", request.RequestedRole),
		Data:     map[string]interface{}{"request_id": requestID},
		Channels: []string{notify.ChannelInApp, notify.ChannelEmail},
		Priority: notify.PriorityNormal,
	})

	reviewedAt := s.now()
	request.Status = models.RequestStatusApproved
	request.ReviewedAt = &reviewedAt
	request.ReviewedBy = &approverID
	if notes != "" {
		request.ReviewNotes = &notes
	}
	return request, nil
}

// Deny moves a pending request into DENIED. A reason is mandatory.
func (s *RoleService) Deny(ctx context.Context, requestID, reviewerID, reason string) (*models.RoleRequest, error) {
	if reason == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "Reason for denial is required")
	}

	request, err := s.requests.FindByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "Role request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load role request")
	}
	if !request.IsPending() {
		return nil, appErrors.ErrAlreadyProcessed
	}

	if reviewerID != systemActor {
		decision := s.escalation.ValidateApproverPermission(ctx, reviewerID, request.UserID, request.RequestedRole, request.InstitutionID)
		if !decision.Allowed {
			return nil, appErrors.Clone(appErrors.ErrForbidden, decision.Reason)
		}
	}

	if err := s.requests.Resolve(ctx, requestID, models.RequestStatusDenied, reviewerID, reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrAlreadyProcessed
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deny role request")
	}

	s.metrics.RecordRequestOutcome("denied")
	s.writeAudit(ctx, &models.RoleAuditLog{
		UserID:        request.UserID,
		ActorID:       reviewerID,
		Action:        models.AuditActionDenied,
		FromRole:      request.CurrentRole,
		ToRole:        &request.RequestedRole,
		InstitutionID: request.InstitutionID,
		Reason:        &reason,
		Metadata:      models.Metadata{"request_id": requestID},
	})
	s.dispatcher.Send(ctx, notify.Notification{
		UserID:   request.UserID,
		Type:     "role_request_denied",
		Title:    "Role request denied",
		Message:  fmt.Sprintf("Your request for the %s role has been denied: %s", request.RequestedRole, reason),
		Data:     map[string]interface{}{"request_id": requestID},
		Channels: []string{notify.ChannelInApp, notify.ChannelEmail},
		Priority: notify.PriorityNormal,
	})

	reviewedAt := s.now()
	request.Status = models.RequestStatusDenied
	request.ReviewedAt = &reviewedAt
	request.ReviewedBy = &reviewerID
	request.ReviewNotes = &reason
	return request, nil
}

// Assign grants the role directly. An existing active assignment for a
// different role is suspended, never edited; the grant is always a new row.
func (s *RoleService) Assign(ctx context.Context, input AssignmentInput) (*models.UserRoleAssignment, error) {
	return s.assign(ctx, input, nil)
}

// AssignTemporary grants the role with an expiry. The duration is bounded by
// the configured maximum.
func (s *RoleService) AssignTemporary(ctx context.Context, input AssignmentInput, duration time.Duration) (*models.UserRoleAssignment, error) {
	maxDuration := time.Duration(s.cfg.MaxTemporaryRoleDays) * 24 * time.Hour
	if duration <= 0 || duration > maxDuration {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("Temporary role duration must be positive and cannot exceed %d days", s.cfg.MaxTemporaryRoleDays))
	}
	expiresAt := s.now().Add(duration)
	return s.assign(ctx, input, &expiresAt)
}

func (s *RoleService) assign(ctx context.Context, input AssignmentInput, expiresAt *time.Time) (*models.UserRoleAssignment, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "Missing required fields")
	}
	if !input.Role.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("Invalid role: %s", input.Role))
	}

	existing, err := s.assignments.FindActive(ctx, input.UserID, input.Role, input.InstitutionID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check existing assignment")
	}
	if existing != nil {
		return nil, appErrors.ErrAlreadyHasRole
	}

	var fromRole *models.Role
	current, err := s.assignments.FindCurrentActive(ctx, input.UserID, input.InstitutionID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current assignment")
	}
	if current != nil {
		role := current.Role
		fromRole = &role
		if err := s.assignments.UpdateStatus(ctx, current.ID, models.AssignmentStatusSuspended); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to supersede current assignment")
		}
	}

	metadata := models.Metadata{}
	for k, v := range input.Metadata {
		metadata[k] = v
	}
	if expiresAt != nil && s.cfg.PreserveOriginalRole && fromRole != nil {
		metadata["previous_role"] = string(*fromRole)
	}

	assignment := &models.UserRoleAssignment{
		UserID:        input.UserID,
		Role:          input.Role,
		Status:        models.AssignmentStatusActive,
		AssignedBy:    input.AssignedBy,
		AssignedAt:    s.now(),
		ExpiresAt:     expiresAt,
		DepartmentID:  input.DepartmentID,
		InstitutionID: input.InstitutionID,
		IsTemporary:   expiresAt != nil,
		Metadata:      metadata,
	}
	if err := s.assignments.Create(ctx, assignment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create assignment")
	}

	s.writeAudit(ctx, &models.RoleAuditLog{
		UserID:        input.UserID,
		ActorID:       input.AssignedBy,
		Action:        models.AuditActionAssigned,
		FromRole:      fromRole,
		ToRole:        &assignment.Role,
		InstitutionID: input.InstitutionID,
		Metadata:      models.Metadata{"assignment_id": assignment.ID, "is_temporary": assignment.IsTemporary},
	})

	notifType := "role_assigned"
	message := fmt.Sprintf("You have been assigned the %s role", input.Role)
	if fromRole != nil {
		notifType = "role_changed"
		message = fmt.Sprintf("Your role has been changed from %s to %s", *fromRole, input.Role)
	}
	s.dispatcher.Send(ctx, notify.Notification{
		UserID:   input.UserID,
		Type:     notifType,
		Title:    "Role updated",
		Message:  message,
		Data:     map[string]interface{}{"assignment_id": assignment.ID},
		Channels: []string{notify.ChannelInApp},
		Priority: notify.PriorityNormal,
	})
	return assignment, nil
}

// Revoke suspends the user's active assignment for the role.
func (s *RoleService) Revoke(ctx context.Context, userID string, role models.Role, institutionID, actorID, reason string) error {
	assignment, err := s.assignments.FindActive(ctx, userID, role, institutionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "Active role assignment not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load assignment")
	}
	if err := s.assignments.UpdateStatus(ctx, assignment.ID, models.AssignmentStatusSuspended); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke assignment")
	}

	audit := &models.RoleAuditLog{
		UserID:        userID,
		ActorID:       actorID,
		Action:        models.AuditActionRevoked,
		FromRole:      &assignment.Role,
		InstitutionID: institutionID,
		Metadata:      models.Metadata{"assignment_id": assignment.ID},
	}
	if reason != "" {
		audit.Reason = &reason
	}
	s.writeAudit(ctx, audit)

	s.dispatcher.Send(ctx, notify.Notification{
		UserID:   userID,
		Type:     "role_revoked",
		Title:    "Role revoked",
		Message:  fmt.Sprintf("Your %s role has been revoked", role),
		Channels: []string{notify.ChannelInApp},
		Priority: notify.PriorityHigh,
	})
	return nil
}

// Change moves a user directly from the role they hold to a new one. A
// change whose RequiresApproval flag is set routes through the request
// pipeline instead of executing; the returned error names the created
// request so the caller can follow it up.
func (s *RoleService) Change(ctx context.Context, req *models.RoleChangeRequest) (*models.UserRoleAssignment, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "Missing required fields")
	}
	if req.CurrentRole == req.NewRole {
		return nil, appErrors.Clone(appErrors.ErrValidation, "New role must be different from the current role")
	}

	if _, err := s.assignments.FindActive(ctx, req.UserID, req.CurrentRole, req.InstitutionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "Active role assignment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current assignment")
	}

	if req.RequiresApproval {
		request, err := s.Request(ctx, RoleRequestInput{
			UserID:        req.UserID,
			RequestedRole: req.NewRole,
			InstitutionID: req.InstitutionID,
			DepartmentID:  req.DepartmentID,
			Justification: req.Reason,
		})
		if err != nil {
			return nil, err
		}
		return nil, appErrors.Clone(appErrors.ErrConflict,
			fmt.Sprintf("Role change requires approval; request %s has been created", request.ID))
	}

	metadata := models.Metadata{"change_reason": req.Reason, "changed_from": string(req.CurrentRole)}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	return s.Assign(ctx, AssignmentInput{
		UserID:        req.UserID,
		Role:          req.NewRole,
		AssignedBy:    req.ChangedBy,
		InstitutionID: req.InstitutionID,
		DepartmentID:  req.DepartmentID,
		Metadata:      metadata,
	})
}

// BulkAssign applies the assignments one by one. A failing item never stops
// the rest; with validateOnly set, items are checked but nothing is written.
func (s *RoleService) BulkAssign(ctx context.Context, inputs []AssignmentInput, validateOnly bool) *models.BulkAssignmentResult {
	result := &models.BulkAssignmentResult{}
	for i, input := range inputs {
		if err := s.validate.Struct(input); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, models.BulkAssignmentError{
				Index: i, UserID: input.UserID, Error: "Missing required fields",
			})
			continue
		}
		if !input.Role.Valid() {
			result.Failed++
			result.Errors = append(result.Errors, models.BulkAssignmentError{
				Index: i, UserID: input.UserID, Error: fmt.Sprintf("Invalid role: %s", input.Role),
			})
			continue
		}
		if validateOnly {
			result.Successful++
			continue
		}
		assignment, err := s.Assign(ctx, input)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, models.BulkAssignmentError{
				Index: i, UserID: input.UserID, Error: appErrors.FromError(err).Message,
			})
			continue
		}
		result.Successful++
		result.Assignments = append(result.Assignments, *assignment)
	}
	return result
}

// GetRequest loads a role request by ID.
func (s *RoleService) GetRequest(ctx context.Context, requestID string) (*models.RoleRequest, error) {
	request, err := s.requests.FindByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "Role request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load role request")
	}
	return request, nil
}

func (s *RoleService) currentRole(ctx context.Context, userID, institutionID string) *models.Role {
	roles, err := s.assignments.ActiveRoles(ctx, userID, institutionID)
	if err != nil {
		s.logger.Warn("failed to resolve current role",
			zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	if len(roles) == 0 {
		return nil
	}
	highest := models.HighestRole(roles, models.RoleStudent)
	return &highest
}

// verificationMethod derives how the requested role gets validated: roles
// flagged by the escalation check or configured to need approval go to an
// administrator, auto-approvable roles verify via email domain, everything
// else lands in manual review.
func (s *RoleService) verificationMethod(role models.Role, requiresApproval bool) models.VerificationMethod {
	if requiresApproval || containsRole(s.cfg.RequireApprovalRoles, role) {
		return models.VerificationAdminApproval
	}
	if containsRole(s.cfg.AutoApproveRoles, role) {
		return models.VerificationEmailDomain
	}
	return models.VerificationManualReview
}

func (s *RoleService) autoApprovable(role models.Role) bool {
	return containsRole(s.cfg.AutoApproveRoles, role) && !containsRole(s.cfg.RequireApprovalRoles, role)
}

// notifyApprovers pings every active administrator who could act on the
// request.
func (s *RoleService) notifyApprovers(ctx context.Context, request *models.RoleRequest) {
	approvers, err := s.assignments.ListActiveUserIDsByMinRole(ctx, request.InstitutionID, models.RoleDepartmentAdmin)
	if err != nil {
		s.logger.Warn("failed to list approvers for notification",
			zap.String("request_id", request.ID), zap.Error(err))
		return
	}
	priority := notify.PriorityNormal
	if request.RequestedRole.IsHighPrivilege() {
		priority = notify.PriorityHigh
	}
	for _, approverID := range approvers {
		if approverID == request.UserID {
			continue
		}
		s.dispatcher.Send(ctx, notify.Notification{
			UserID:   approverID,
			Type:     "role_request_pending",
			Title:    "Role request awaiting review",
			Message:  fmt.Sprintf("A request for the %s role is awaiting review", request.RequestedRole),
			Data:     map[string]interface{}{"request_id": request.ID},
			Channels: []string{notify.ChannelInApp},
			Priority: priority,
		})
	}
}

func (s *RoleService) writeAudit(ctx context.Context, entry *models.RoleAuditLog) {
	if err := s.audit.Create(ctx, entry); err != nil {
		s.logger.Error("failed to write audit entry",
			zap.String("user_id", entry.UserID),
			zap.String("action", entry.Action),
			zap.Error(err),
		)
	}
}

func containsRole(list []string, role models.Role) bool {
	for _, item := range list {
		if models.Role(item) == role {
			return true
		}
	}
	return false
}
