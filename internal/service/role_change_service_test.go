package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/campus-roles-api/internal/models"
)

type roleOrchestratorStub struct {
	request    *models.RoleRequest
	requestErr error
	assignment *models.UserRoleAssignment
	assignErr  error

	requestedInputs []RoleRequestInput
	assignedInputs  []AssignmentInput
}

func (s *roleOrchestratorStub) Request(ctx context.Context, input RoleRequestInput) (*models.RoleRequest, error) {
	s.requestedInputs = append(s.requestedInputs, input)
	return s.request, s.requestErr
}

func (s *roleOrchestratorStub) Assign(ctx context.Context, input AssignmentInput) (*models.UserRoleAssignment, error) {
	s.assignedInputs = append(s.assignedInputs, input)
	return s.assignment, s.assignErr
}

func (s *roleOrchestratorStub) Approve(ctx context.Context, requestID, approverID, notes string) (*models.RoleRequest, error) {
	return s.request, nil
}

func (s *roleOrchestratorStub) Deny(ctx context.Context, requestID, reviewerID, reason string) (*models.RoleRequest, error) {
	return s.request, nil
}

func (s *roleOrchestratorStub) GetRequest(ctx context.Context, requestID string) (*models.RoleRequest, error) {
	if s.request == nil {
		return nil, sql.ErrNoRows
	}
	return s.request, nil
}

type permissionCheckerStub struct {
	granted     map[string]bool
	rolePerms   map[models.Role][]string
	invalidated []string
}

func (s *permissionCheckerStub) HasPermission(ctx context.Context, userID, institutionID, permissionKey string) (bool, error) {
	return s.granted[userID+":"+permissionKey], nil
}

func (s *permissionCheckerStub) InvalidateUserCache(ctx context.Context, userID string) {
	s.invalidated = append(s.invalidated, userID)
}

func (s *permissionCheckerStub) ListRolePermissions(ctx context.Context, role models.Role) ([]string, error) {
	return s.rolePerms[role], nil
}

type changeAssignmentReaderStub struct {
	active map[string]*models.UserRoleAssignment
}

func (s *changeAssignmentReaderStub) FindActive(ctx context.Context, userID string, role models.Role, institutionID string) (*models.UserRoleAssignment, error) {
	if a, ok := s.active[userID+":"+string(role)]; ok {
		return a, nil
	}
	return nil, sql.ErrNoRows
}

type changePendingReaderStub struct {
	pending bool
}

func (s *changePendingReaderStub) HasPending(ctx context.Context, userID string, role models.Role, institutionID string) (bool, error) {
	return s.pending, nil
}

type changeFixture struct {
	roles       *roleOrchestratorStub
	permissions *permissionCheckerStub
	assignments *changeAssignmentReaderStub
	requests    *changePendingReaderStub
	svc         *RoleChangeService
}

func newChangeFixture() *changeFixture {
	f := &changeFixture{
		roles: &roleOrchestratorStub{},
		permissions: &permissionCheckerStub{
			granted:   map[string]bool{},
			rolePerms: map[models.Role][]string{},
		},
		assignments: &changeAssignmentReaderStub{active: map[string]*models.UserRoleAssignment{}},
		requests:    &changePendingReaderStub{},
	}
	f.svc = NewRoleChangeService(f.roles, f.permissions, f.assignments, f.requests, nil)
	return f
}

func teacherToStudentChange() *models.RoleChangeRequest {
	return &models.RoleChangeRequest{
		UserID:        "user-1",
		CurrentRole:   models.RoleTeacher,
		NewRole:       models.RoleStudent,
		ChangedBy:     "admin-1",
		Reason:        "teaching term ended",
		InstitutionID: "inst-1",
	}
}

func TestValidateRoleChangeRejectsIdenticalRoles(t *testing.T) {
	f := newChangeFixture()
	req := teacherToStudentChange()
	req.NewRole = models.RoleTeacher

	validation := f.svc.ValidateRoleChange(context.Background(), req)
	require.False(t, validation.IsValid)
	require.Contains(t, validation.Errors, "New role must be different from the current role")
}

func TestValidateRoleChangeRejectsMissingFields(t *testing.T) {
	f := newChangeFixture()

	validation := f.svc.ValidateRoleChange(context.Background(), &models.RoleChangeRequest{UserID: "user-1"})
	require.False(t, validation.IsValid)
	require.Contains(t, validation.Errors, "Missing required fields")
}

func TestValidateRoleChangeRequiresCurrentRoleHeld(t *testing.T) {
	f := newChangeFixture()
	f.permissions.granted["admin-1:role.assign"] = true

	validation := f.svc.ValidateRoleChange(context.Background(), teacherToStudentChange())
	require.False(t, validation.IsValid)
	require.Contains(t, validation.Errors, "User does not hold the TEACHER role")
}

func TestValidateRoleChangeChecksActorPermission(t *testing.T) {
	f := newChangeFixture()
	f.assignments.active["user-1:TEACHER"] = &models.UserRoleAssignment{ID: "a1"}

	validation := f.svc.ValidateRoleChange(context.Background(), teacherToStudentChange())
	require.False(t, validation.IsValid)
	require.Contains(t, validation.Errors, "Actor does not have permission to change roles")

	f.permissions.granted["admin-1:role.assign"] = true
	validation = f.svc.ValidateRoleChange(context.Background(), teacherToStudentChange())
	require.True(t, validation.IsValid)
}

func TestValidateRoleChangeWarnsOnPendingRequest(t *testing.T) {
	f := newChangeFixture()
	f.assignments.active["user-1:TEACHER"] = &models.UserRoleAssignment{ID: "a1"}
	f.permissions.granted["admin-1:role.assign"] = true
	f.requests.pending = true

	validation := f.svc.ValidateRoleChange(context.Background(), teacherToStudentChange())
	require.True(t, validation.IsValid)
	require.Contains(t, validation.Warnings, "User already has a pending request for this role")
}

func TestDetermineApprovalRequirement(t *testing.T) {
	f := newChangeFixture()

	needs, reason := f.svc.DetermineApprovalRequirement(models.RoleTeacher, models.RoleDepartmentAdmin)
	require.True(t, needs)
	require.Contains(t, reason, "Administrative")

	needs, _ = f.svc.DetermineApprovalRequirement(models.RoleStudent, models.RoleTeacher)
	require.True(t, needs)

	needs, _ = f.svc.DetermineApprovalRequirement(models.RoleTeacher, models.RoleStudent)
	require.False(t, needs)

	needs, reason = f.svc.DetermineApprovalRequirement(models.RoleDepartmentAdmin, models.RoleTeacher)
	require.True(t, needs)
	require.Contains(t, reason, "security default")
}

func TestProcessRoleChangeExecutesDowngradeDirectly(t *testing.T) {
	f := newChangeFixture()
	f.assignments.active["user-1:TEACHER"] = &models.UserRoleAssignment{ID: "a1"}
	f.permissions.granted["admin-1:role.assign"] = true
	f.roles.assignment = &models.UserRoleAssignment{ID: "a2", Role: models.RoleStudent}

	result := f.svc.ProcessRoleChange(context.Background(), teacherToStudentChange(), RoleChangeOptions{})
	require.True(t, result.Success)
	require.NotNil(t, result.Assignment)
	require.Nil(t, result.Request)
	require.Equal(t, []string{"user-1"}, f.permissions.invalidated)
	require.Len(t, f.roles.assignedInputs, 1)
	require.Equal(t, "teaching term ended", f.roles.assignedInputs[0].Metadata["change_reason"])
}

func TestProcessRoleChangeRoutesUpgradeThroughApproval(t *testing.T) {
	f := newChangeFixture()
	f.assignments.active["user-1:TEACHER"] = &models.UserRoleAssignment{ID: "a1"}
	f.permissions.granted["admin-1:role.assign"] = true
	f.roles.request = &models.RoleRequest{ID: "req-1", Status: models.RequestStatusPending}

	req := teacherToStudentChange()
	req.NewRole = models.RoleDepartmentAdmin
	req.Reason = "stepping up as department coordinator"

	result := f.svc.ProcessRoleChange(context.Background(), req, RoleChangeOptions{})
	require.True(t, result.Success)
	require.NotNil(t, result.Request)
	require.Nil(t, result.Assignment)
	require.Empty(t, f.permissions.invalidated)
	require.Len(t, f.roles.requestedInputs, 1)
	require.Equal(t, models.RoleDepartmentAdmin, f.roles.requestedInputs[0].RequestedRole)
}

func TestProcessRoleChangeReportsValidationFailure(t *testing.T) {
	f := newChangeFixture()

	result := f.svc.ProcessRoleChange(context.Background(), teacherToStudentChange(), RoleChangeOptions{})
	require.False(t, result.Success)
	require.NotEmpty(t, result.Error)
	require.Empty(t, f.roles.assignedInputs)
}

func TestProcessRoleChangeForceAndBypassOptions(t *testing.T) {
	f := newChangeFixture()
	f.assignments.active["user-1:TEACHER"] = &models.UserRoleAssignment{ID: "a1"}
	f.permissions.granted["admin-1:role.assign"] = true
	f.roles.request = &models.RoleRequest{ID: "req-1"}
	f.roles.assignment = &models.UserRoleAssignment{ID: "a2"}

	result := f.svc.ProcessRoleChange(context.Background(), teacherToStudentChange(), RoleChangeOptions{ForceApproval: true})
	require.True(t, result.Success)
	require.NotNil(t, result.Request)

	req := teacherToStudentChange()
	req.NewRole = models.RoleDepartmentAdmin
	result = f.svc.ProcessRoleChange(context.Background(), req, RoleChangeOptions{BypassApproval: true})
	require.True(t, result.Success)
	require.NotNil(t, result.Assignment)
}

func TestApproveRoleChangeRequiresPermission(t *testing.T) {
	f := newChangeFixture()
	f.roles.request = &models.RoleRequest{ID: "req-1", UserID: "user-1", InstitutionID: "inst-1"}

	_, err := f.svc.ApproveRoleChange(context.Background(), "req-1", "admin-1", "ok")
	require.Error(t, err)

	f.permissions.granted["admin-1:role.approve"] = true
	approved, err := f.svc.ApproveRoleChange(context.Background(), "req-1", "admin-1", "ok")
	require.NoError(t, err)
	require.NotNil(t, approved)
	require.Contains(t, f.permissions.invalidated, "user-1")
}

func TestChangeImpactPreviewDiffsPermissions(t *testing.T) {
	f := newChangeFixture()
	f.permissions.rolePerms[models.RoleStudent] = []string{"course.view"}
	f.permissions.rolePerms[models.RoleTeacher] = []string{"course.view", "grade.edit"}

	impact, err := f.svc.ChangeImpactPreview(context.Background(), models.RoleStudent, models.RoleTeacher)
	require.NoError(t, err)
	require.Equal(t, []string{"grade.edit"}, impact.AddedPermissions)
	require.Empty(t, impact.RemovedPermissions)
}
