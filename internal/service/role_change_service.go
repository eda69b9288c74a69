package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-roles-api/internal/models"
	appErrors "github.com/noah-isme/campus-roles-api/pkg/errors"
)

type roleOrchestrator interface {
	Request(ctx context.Context, input RoleRequestInput) (*models.RoleRequest, error)
	Assign(ctx context.Context, input AssignmentInput) (*models.UserRoleAssignment, error)
	Approve(ctx context.Context, requestID, approverID, notes string) (*models.RoleRequest, error)
	Deny(ctx context.Context, requestID, reviewerID, reason string) (*models.RoleRequest, error)
	GetRequest(ctx context.Context, requestID string) (*models.RoleRequest, error)
}

type permissionChecker interface {
	HasPermission(ctx context.Context, userID, institutionID, permissionKey string) (bool, error)
	InvalidateUserCache(ctx context.Context, userID string)
	ListRolePermissions(ctx context.Context, role models.Role) ([]string, error)
}

type changeAssignmentReader interface {
	FindActive(ctx context.Context, userID string, role models.Role, institutionID string) (*models.UserRoleAssignment, error)
}

type changePendingReader interface {
	HasPending(ctx context.Context, userID string, role models.Role, institutionID string) (bool, error)
}

// RoleChangeOptions tune how a change is processed.
type RoleChangeOptions struct {
	// SkipValidation trusts the caller and applies the change without the
	// validation pass. Reserved for internal callers that validated already.
	SkipValidation bool
	// ForceApproval routes the change through approval even when policy
	// would allow a direct change.
	ForceApproval bool
	// BypassApproval applies the change directly regardless of policy.
	// Callers must hold administrative permission.
	BypassApproval bool
}

// RoleChangeService processes direct role changes: validate, decide whether
// approval is needed, then either execute the change or route it through the
// request workflow. It reports failures inside the result instead of
// returning errors so bulk callers handle every outcome uniformly.
type RoleChangeService struct {
	roles       roleOrchestrator
	permissions permissionChecker
	assignments changeAssignmentReader
	requests    changePendingReader
	validate    *validator.Validate
	logger      *zap.Logger
}

// NewRoleChangeService constructs the role change processor.
func NewRoleChangeService(
	roles roleOrchestrator,
	permissions permissionChecker,
	assignments changeAssignmentReader,
	requests changePendingReader,
	logger *zap.Logger,
) *RoleChangeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoleChangeService{
		roles:       roles,
		permissions: permissions,
		assignments: assignments,
		requests:    requests,
		validate:    validator.New(),
		logger:      logger,
	}
}

// ValidateRoleChange checks the change without applying it.
func (s *RoleChangeService) ValidateRoleChange(ctx context.Context, req *models.RoleChangeRequest) *models.RoleChangeValidation {
	validation := &models.RoleChangeValidation{}

	if err := s.validate.Struct(req); err != nil {
		validation.Errors = append(validation.Errors, "Missing required fields")
	}
	if req.CurrentRole != "" && !req.CurrentRole.Valid() {
		validation.Errors = append(validation.Errors, fmt.Sprintf("Invalid role: %s", req.CurrentRole))
	}
	if req.NewRole != "" && !req.NewRole.Valid() {
		validation.Errors = append(validation.Errors, fmt.Sprintf("Invalid role: %s", req.NewRole))
	}
	if req.CurrentRole != "" && req.CurrentRole == req.NewRole {
		validation.Errors = append(validation.Errors, "New role must be different from the current role")
	}

	if len(validation.Errors) > 0 {
		return validation
	}

	assignment, err := s.assignments.FindActive(ctx, req.UserID, req.CurrentRole, req.InstitutionID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		validation.Errors = append(validation.Errors, "Unable to verify current role")
		return validation
	}
	if assignment == nil {
		validation.Errors = append(validation.Errors, fmt.Sprintf("User does not hold the %s role", req.CurrentRole))
	}

	pending, err := s.requests.HasPending(ctx, req.UserID, req.NewRole, req.InstitutionID)
	if err != nil {
		s.logger.Warn("pending request check failed during validation",
			zap.String("user_id", req.UserID), zap.Error(err))
	} else if pending {
		validation.Warnings = append(validation.Warnings, "User already has a pending request for this role")
	}

	if req.ChangedBy != req.UserID {
		allowed, err := s.permissions.HasPermission(ctx, req.ChangedBy, req.InstitutionID, "role.assign")
		if err != nil {
			validation.Errors = append(validation.Errors, "Unable to verify actor permissions")
		} else if !allowed {
			validation.Errors = append(validation.Errors, "Actor does not have permission to change roles")
		}
	}

	validation.RequiresApproval, validation.ApprovalReason = s.DetermineApprovalRequirement(req.CurrentRole, req.NewRole)
	validation.IsValid = len(validation.Errors) == 0
	return validation
}

// DetermineApprovalRequirement is the approval policy for direct changes.
// Anything that raises privilege needs a second pair of eyes; only a
// downgrade to the base role goes through unattended.
func (s *RoleChangeService) DetermineApprovalRequirement(current, next models.Role) (bool, string) {
	if next.IsHighPrivilege() {
		return true, "Administrative roles always require approval"
	}
	if current == models.RoleStudent && next == models.RoleTeacher {
		return true, "Teacher role requires verification"
	}
	if models.EscalationDistance(current, next) > 0 {
		return true, "Privilege upgrades require approval"
	}
	if next == models.RoleStudent {
		return false, ""
	}
	return true, "Role change requires approval by security default"
}

// ProcessRoleChange validates and applies the change. The outcome always
// arrives in the result: either an executed assignment, a pending request
// routed through approval, or an error message.
func (s *RoleChangeService) ProcessRoleChange(ctx context.Context, req *models.RoleChangeRequest, opts RoleChangeOptions) *models.RoleChangeResult {
	requiresApproval := req.RequiresApproval
	if !opts.SkipValidation {
		validation := s.ValidateRoleChange(ctx, req)
		if !validation.IsValid {
			return &models.RoleChangeResult{Error: strings.Join(validation.Errors, "; ")}
		}
		requiresApproval = validation.RequiresApproval
	}
	if opts.ForceApproval {
		requiresApproval = true
	}
	if opts.BypassApproval {
		requiresApproval = false
	}

	if requiresApproval {
		request, err := s.roles.Request(ctx, RoleRequestInput{
			UserID:        req.UserID,
			RequestedRole: req.NewRole,
			InstitutionID: req.InstitutionID,
			DepartmentID:  req.DepartmentID,
			Justification: req.Reason,
		})
		if err != nil {
			return &models.RoleChangeResult{Error: appErrors.FromError(err).Message}
		}
		return &models.RoleChangeResult{Success: true, Request: request}
	}

	metadata := models.Metadata{"change_reason": req.Reason}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	assignment, err := s.roles.Assign(ctx, AssignmentInput{
		UserID:        req.UserID,
		Role:          req.NewRole,
		AssignedBy:    req.ChangedBy,
		InstitutionID: req.InstitutionID,
		DepartmentID:  req.DepartmentID,
		Metadata:      metadata,
	})
	if err != nil {
		return &models.RoleChangeResult{Error: appErrors.FromError(err).Message}
	}
	s.permissions.InvalidateUserCache(ctx, req.UserID)
	return &models.RoleChangeResult{Success: true, Assignment: assignment}
}

// ApproveRoleChange approves a pending request on behalf of an approver who
// holds the approval permission, then drops the user's cached permissions.
func (s *RoleChangeService) ApproveRoleChange(ctx context.Context, requestID, approverID, notes string) (*models.RoleRequest, error) {
	request, err := s.roles.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	allowed, err := s.permissions.HasPermission(ctx, approverID, request.InstitutionID, "role.approve")
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify approver permission")
	}
	if !allowed {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "Approver does not have permission to approve role changes")
	}

	approved, err := s.roles.Approve(ctx, requestID, approverID, notes)
	if err != nil {
		return nil, err
	}
	s.permissions.InvalidateUserCache(ctx, approved.UserID)
	return approved, nil
}

// DenyRoleChange denies a pending request on behalf of an approver who holds
// the approval permission.
func (s *RoleChangeService) DenyRoleChange(ctx context.Context, requestID, reviewerID, reason string) (*models.RoleRequest, error) {
	request, err := s.roles.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	allowed, err := s.permissions.HasPermission(ctx, reviewerID, request.InstitutionID, "role.approve")
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify approver permission")
	}
	if !allowed {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "Approver does not have permission to deny role changes")
	}
	return s.roles.Deny(ctx, requestID, reviewerID, reason)
}

// ChangeImpactPreview computes the permission diff of moving between roles.
func (s *RoleChangeService) ChangeImpactPreview(ctx context.Context, from, to models.Role) (*models.RoleChangeImpact, error) {
	fromPerms, err := s.permissions.ListRolePermissions(ctx, from)
	if err != nil {
		return nil, err
	}
	toPerms, err := s.permissions.ListRolePermissions(ctx, to)
	if err != nil {
		return nil, err
	}

	fromSet := make(map[string]struct{}, len(fromPerms))
	for _, p := range fromPerms {
		fromSet[p] = struct{}{}
	}
	toSet := make(map[string]struct{}, len(toPerms))
	for _, p := range toPerms {
		toSet[p] = struct{}{}
	}

	impact := &models.RoleChangeImpact{FromRole: from, ToRole: to}
	for _, p := range toPerms {
		if _, ok := fromSet[p]; !ok {
			impact.AddedPermissions = append(impact.AddedPermissions, p)
		}
	}
	for _, p := range fromPerms {
		if _, ok := toSet[p]; !ok {
			impact.RemovedPermissions = append(impact.RemovedPermissions, p)
		}
	}
	return impact, nil
}
