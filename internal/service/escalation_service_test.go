package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/campus-roles-api/internal/models"
	"github.com/noah-isme/campus-roles-api/pkg/config"
)

// escalationTestClock is the pinned "now" for every escalation test; the
// stub uses it to tell the hour, day, and week query windows apart.
var escalationTestClock = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type escalationRequestStub struct {
	hourCount      int
	dayCount       int
	weekCount      int
	weekDenied     int
	hourHighPriv   int
	weekHighPriv   int
	roleCount      int
	institutions   int
	recentTimes    []time.Time
	lastResolvedAt *time.Time
	err            error
}

func (s *escalationRequestStub) CountByUserSince(ctx context.Context, userID string, since time.Time) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	switch window := escalationTestClock.Sub(since); {
	case window <= time.Hour:
		return s.hourCount, nil
	case window <= 24*time.Hour:
		return s.dayCount, nil
	default:
		return s.weekCount, nil
	}
}

func (s *escalationRequestStub) CountByUserRoleSince(ctx context.Context, userID string, role models.Role, since time.Time) (int, error) {
	return s.roleCount, s.err
}

func (s *escalationRequestStub) CountDeniedByUserSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return s.weekDenied, s.err
}

func (s *escalationRequestStub) CountHighPrivilegeByUserSince(ctx context.Context, userID string, since time.Time) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if escalationTestClock.Sub(since) <= time.Hour {
		return s.hourHighPriv, nil
	}
	return s.weekHighPriv, nil
}

func (s *escalationRequestStub) CountDistinctInstitutionsByUserSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return s.institutions, s.err
}

func (s *escalationRequestStub) RecentRequestTimes(ctx context.Context, userID string, limit int) ([]time.Time, error) {
	return s.recentTimes, s.err
}

func (s *escalationRequestStub) LastResolvedAt(ctx context.Context, userID string, role models.Role) (*time.Time, error) {
	return s.lastResolvedAt, s.err
}

type escalationSecurityStub struct {
	distinctIPs int
	attempts    []*models.EscalationAttempt
	suspicious  []*models.SuspiciousActivity
}

func (s *escalationSecurityStub) CreateAttempt(ctx context.Context, attempt *models.EscalationAttempt) error {
	s.attempts = append(s.attempts, attempt)
	return nil
}

func (s *escalationSecurityStub) CreateSuspicious(ctx context.Context, activity *models.SuspiciousActivity) error {
	s.suspicious = append(s.suspicious, activity)
	return nil
}

func (s *escalationSecurityStub) CountDistinctIPsByUserSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return s.distinctIPs, nil
}

func (s *escalationSecurityStub) suspiciousKinds() []string {
	kinds := make([]string, 0, len(s.suspicious))
	for _, a := range s.suspicious {
		kinds = append(kinds, a.Kind)
	}
	return kinds
}

type escalationRuleStub struct {
	exact    *models.EscalationRule
	byTarget []models.EscalationRule
}

func (s *escalationRuleStub) FindExact(ctx context.Context, from, to models.Role) (*models.EscalationRule, error) {
	return s.exact, nil
}

func (s *escalationRuleStub) FindByTarget(ctx context.Context, to models.Role) ([]models.EscalationRule, error) {
	return s.byTarget, nil
}

type escalationAssignmentStub struct {
	roles map[string][]models.Role
	err   error
}

func (s *escalationAssignmentStub) ActiveRoles(ctx context.Context, userID, institutionID string) ([]models.Role, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.roles[userID], nil
}

const testSessionSecret = "test-session-secret"

func testSessionToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSessionSecret))
	require.NoError(t, err)
	return signed
}

func newEscalationService(requests *escalationRequestStub, security *escalationSecurityStub, rules *escalationRuleStub, assignments *escalationAssignmentStub) *EscalationService {
	cfg := config.EscalationConfig{
		BlockRiskThreshold:    70,
		ApprovalRiskThreshold: 50,
		PatternRiskThreshold:  80,
		TimePatternThreshold:  30,
		IPPatternThreshold:    40,
		BehaviorThreshold:     35,
		CrossInstThreshold:    30,
		OffHoursStart:         22,
		OffHoursEnd:           6,
	}
	session := config.SessionConfig{Secret: testSessionSecret, MinTokenLength: 16}
	svc := NewEscalationService(requests, security, rules, assignments, cfg, session, nil, nil)
	// Pin the clock to mid-day so the off-hours check stays quiet.
	svc.now = func() time.Time { return escalationTestClock }
	return svc
}

func TestValidateRoleRequestAllowsSingleStep(t *testing.T) {
	requests := &escalationRequestStub{}
	security := &escalationSecurityStub{}
	assignments := &escalationAssignmentStub{roles: map[string][]models.Role{
		"user-1": {models.RoleStudent},
	}}
	svc := newEscalationService(requests, security, &escalationRuleStub{}, assignments)

	decision := svc.ValidateRoleRequest(context.Background(), "user-1", models.RoleTeacher, "inst-1", models.RequestContext{
		SessionToken: testSessionToken(t),
	})
	require.True(t, decision.Allowed)
	require.False(t, decision.RequiresApproval)
	require.Equal(t, 10, decision.RiskScore)
	require.Len(t, security.attempts, 1)
	require.True(t, security.attempts[0].Allowed)
}

func TestValidateRoleRequestDeniesInvalidTransition(t *testing.T) {
	security := &escalationSecurityStub{}
	assignments := &escalationAssignmentStub{roles: map[string][]models.Role{
		"user-1": {models.RoleStudent},
	}}
	svc := newEscalationService(&escalationRequestStub{}, security, &escalationRuleStub{}, assignments)

	decision := svc.ValidateRoleRequest(context.Background(), "user-1", models.RoleDepartmentAdmin, "inst-1", models.RequestContext{
		SessionToken: testSessionToken(t),
	})
	require.False(t, decision.Allowed)
	require.Equal(t, "Role transition from STUDENT to DEPARTMENT_ADMIN is not allowed", decision.Reason)
	require.Len(t, security.attempts, 1)
	require.False(t, security.attempts[0].Allowed)
}

func TestValidateRoleRequestRuleOverridesStaticTable(t *testing.T) {
	rules := &escalationRuleStub{exact: &models.EscalationRule{
		FromRole:         models.RoleStudent,
		ToRole:           models.RoleDepartmentAdmin,
		RequiresApproval: true,
	}}
	assignments := &escalationAssignmentStub{roles: map[string][]models.Role{
		"user-1": {models.RoleStudent},
	}}
	svc := newEscalationService(&escalationRequestStub{}, &escalationSecurityStub{}, rules, assignments)

	decision := svc.ValidateRoleRequest(context.Background(), "user-1", models.RoleDepartmentAdmin, "inst-1", models.RequestContext{
		SessionToken: testSessionToken(t),
	})
	require.True(t, decision.Allowed)
	require.True(t, decision.RequiresApproval)
}

func TestValidateRoleRequestBlocksRapidRequests(t *testing.T) {
	requests := &escalationRequestStub{hourCount: 5}
	security := &escalationSecurityStub{}
	assignments := &escalationAssignmentStub{roles: map[string][]models.Role{
		"user-1": {models.RoleStudent},
	}}
	svc := newEscalationService(requests, security, &escalationRuleStub{}, assignments)

	decision := svc.ValidateRoleRequest(context.Background(), "user-1", models.RoleTeacher, "inst-1", models.RequestContext{
		SessionToken: testSessionToken(t),
	})
	require.False(t, decision.Allowed)
	require.Contains(t, security.suspiciousKinds(), "rapid_requests")
}

func TestValidateRoleRequestFlagsSuspiciousClient(t *testing.T) {
	security := &escalationSecurityStub{}
	assignments := &escalationAssignmentStub{roles: map[string][]models.Role{
		"user-1": {models.RoleStudent},
	}}
	svc := newEscalationService(&escalationRequestStub{}, security, &escalationRuleStub{}, assignments)

	decision := svc.ValidateRoleRequest(context.Background(), "user-1", models.RoleTeacher, "inst-1", models.RequestContext{
		UserAgent:    "python-requests/2.31",
		SessionToken: testSessionToken(t),
	})
	require.True(t, decision.Allowed)
	require.True(t, decision.RequiresApproval)
	require.Contains(t, security.suspiciousKinds(), "suspicious_client")
}

func TestValidateRoleRequestBlocksInvalidSessionToken(t *testing.T) {
	assignments := &escalationAssignmentStub{roles: map[string][]models.Role{
		"user-1": {models.RoleStudent},
	}}
	svc := newEscalationService(&escalationRequestStub{}, &escalationSecurityStub{}, &escalationRuleStub{}, assignments)

	decision := svc.ValidateRoleRequest(context.Background(), "user-1", models.RoleTeacher, "inst-1", models.RequestContext{
		SessionToken: "forged-token-of-sufficient-length",
	})
	require.False(t, decision.Allowed)
	require.Contains(t, decision.Reason, "critical security check failed")
}

func TestValidateRoleRequestFailsClosedOnStorageError(t *testing.T) {
	security := &escalationSecurityStub{}
	assignments := &escalationAssignmentStub{err: errors.New("db down")}
	svc := newEscalationService(&escalationRequestStub{}, security, &escalationRuleStub{}, assignments)

	decision := svc.ValidateRoleRequest(context.Background(), "user-1", models.RoleTeacher, "inst-1", models.RequestContext{})
	require.False(t, decision.Allowed)
	require.Equal(t, 100, decision.RiskScore)
	require.Contains(t, security.suspiciousKinds(), "escalation_check_failure")
}

func TestValidateRoleRequestEnforcesRuleCooldown(t *testing.T) {
	resolved := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	requests := &escalationRequestStub{lastResolvedAt: &resolved}
	rules := &escalationRuleStub{exact: &models.EscalationRule{
		FromRole:      models.RoleStudent,
		ToRole:        models.RoleTeacher,
		CooldownHours: 24,
	}}
	assignments := &escalationAssignmentStub{roles: map[string][]models.Role{
		"user-1": {models.RoleStudent},
	}}
	svc := newEscalationService(requests, &escalationSecurityStub{}, rules, assignments)

	decision := svc.ValidateRoleRequest(context.Background(), "user-1", models.RoleTeacher, "inst-1", models.RequestContext{
		SessionToken: testSessionToken(t),
	})
	require.False(t, decision.Allowed)
	require.Contains(t, decision.Reason, "Cooldown active")
}

func TestValidateRoleRequestFlagsWeeklyDenialHistory(t *testing.T) {
	requests := &escalationRequestStub{weekCount: 5, weekDenied: 3}
	security := &escalationSecurityStub{}
	assignments := &escalationAssignmentStub{roles: map[string][]models.Role{
		"user-1": {models.RoleStudent},
	}}
	svc := newEscalationService(requests, security, &escalationRuleStub{}, assignments)

	decision := svc.ValidateRoleRequest(context.Background(), "user-1", models.RoleTeacher, "inst-1", models.RequestContext{
		SessionToken: testSessionToken(t),
	})
	require.True(t, decision.Allowed)
	require.Equal(t, 35, decision.RiskScore)
	require.Contains(t, security.suspiciousKinds(), "behavior_history")
}

func TestValidateRoleRequestBlocksHostileBehaviorHistory(t *testing.T) {
	requests := &escalationRequestStub{weekCount: 8, weekDenied: 5, weekHighPriv: 3}
	security := &escalationSecurityStub{}
	assignments := &escalationAssignmentStub{roles: map[string][]models.Role{
		"user-1": {models.RoleStudent},
	}}
	svc := newEscalationService(requests, security, &escalationRuleStub{}, assignments)

	decision := svc.ValidateRoleRequest(context.Background(), "user-1", models.RoleTeacher, "inst-1", models.RequestContext{
		SessionToken: testSessionToken(t),
	})
	require.False(t, decision.Allowed)
	require.Equal(t, "Request blocked: critical security check failed", decision.Reason)
	require.Contains(t, security.suspiciousKinds(), "behavior_history")
}

func TestValidateRoleRequestScoresReservedClientIP(t *testing.T) {
	security := &escalationSecurityStub{}
	assignments := &escalationAssignmentStub{roles: map[string][]models.Role{
		"user-1": {models.RoleStudent},
	}}
	svc := newEscalationService(&escalationRequestStub{}, security, &escalationRuleStub{}, assignments)

	decision := svc.ValidateRoleRequest(context.Background(), "user-1", models.RoleTeacher, "inst-1", models.RequestContext{
		ClientIP:     "10.4.12.9",
		SessionToken: testSessionToken(t),
	})
	require.True(t, decision.Allowed)
	require.Equal(t, 40, decision.RiskScore)
	require.Contains(t, security.suspiciousKinds(), "ip_pattern")
}

func TestValidateRoleRequestFlagsCrossInstitutionActivity(t *testing.T) {
	requests := &escalationRequestStub{institutions: 3, weekHighPriv: 2}
	security := &escalationSecurityStub{}
	assignments := &escalationAssignmentStub{roles: map[string][]models.Role{
		"user-1": {models.RoleStudent},
	}}
	svc := newEscalationService(requests, security, &escalationRuleStub{}, assignments)

	decision := svc.ValidateRoleRequest(context.Background(), "user-1", models.RoleTeacher, "inst-1", models.RequestContext{
		SessionToken: testSessionToken(t),
	})
	require.True(t, decision.Allowed)
	require.True(t, decision.RequiresApproval)
	require.Equal(t, 55, decision.RiskScore)
	require.Contains(t, security.suspiciousKinds(), "cross_institution")
}

func TestValidateRoleRequestFlagsOffHoursVolume(t *testing.T) {
	requests := &escalationRequestStub{dayCount: 4}
	security := &escalationSecurityStub{}
	assignments := &escalationAssignmentStub{roles: map[string][]models.Role{
		"user-1": {models.RoleStudent},
	}}
	svc := newEscalationService(requests, security, &escalationRuleStub{}, assignments)
	svc.now = func() time.Time { return escalationTestClock.Add(11 * time.Hour) }

	decision := svc.ValidateRoleRequest(context.Background(), "user-1", models.RoleTeacher, "inst-1", models.RequestContext{
		SessionToken: testSessionToken(t),
	})
	require.True(t, decision.Allowed)
	require.Equal(t, 45, decision.RiskScore)
	require.Contains(t, security.suspiciousKinds(), "time_pattern")
}

func TestValidateRoleRequestPatternScorePushesPastThreshold(t *testing.T) {
	// Context risk stays under the outright-block threshold; the pattern
	// surcharge pushes the total past the pattern threshold on its own.
	security := &escalationSecurityStub{distinctIPs: 5}
	assignments := &escalationAssignmentStub{roles: map[string][]models.Role{
		"user-1": {models.RoleStudent},
	}}
	svc := newEscalationService(&escalationRequestStub{}, security, &escalationRuleStub{}, assignments)

	decision := svc.ValidateRoleRequest(context.Background(), "user-1", models.RoleTeacher, "inst-1", models.RequestContext{
		ClientIP:     "192.168.1.40",
		UserAgent:    "curl/8.4",
		SessionToken: testSessionToken(t),
	})
	require.False(t, decision.Allowed)
	require.Equal(t, "Request blocked by security policy", decision.Reason)
	require.Equal(t, 95, decision.RiskScore)
}

func TestValidateRoleRequestFallbackRuleRequiresSeniorSource(t *testing.T) {
	// A rule written for a junior source role must not govern a more senior
	// requester; with no qualifying rule the static table decides.
	rules := &escalationRuleStub{byTarget: []models.EscalationRule{{
		FromRole:          models.RoleStudent,
		ToRole:            models.RoleInstitutionAdmin,
		MaxRequestsPerDay: 1,
	}}}
	requests := &escalationRequestStub{roleCount: 1}
	assignments := &escalationAssignmentStub{roles: map[string][]models.Role{
		"dept-admin": {models.RoleDepartmentAdmin},
	}}
	svc := newEscalationService(requests, &escalationSecurityStub{}, rules, assignments)

	decision := svc.ValidateRoleRequest(context.Background(), "dept-admin", models.RoleInstitutionAdmin, "inst-1", models.RequestContext{
		SessionToken: testSessionToken(t),
	})
	require.True(t, decision.Allowed)
	require.False(t, decision.RequiresApproval)

	rules.byTarget = []models.EscalationRule{{
		FromRole:         models.RoleSystemAdmin,
		ToRole:           models.RoleInstitutionAdmin,
		RequiresApproval: true,
	}}
	decision = svc.ValidateRoleRequest(context.Background(), "dept-admin", models.RoleInstitutionAdmin, "inst-1", models.RequestContext{
		SessionToken: testSessionToken(t),
	})
	require.True(t, decision.Allowed)
	require.True(t, decision.RequiresApproval)
}

func TestValidateApproverPermissionDeniesSelfApproval(t *testing.T) {
	security := &escalationSecurityStub{}
	svc := newEscalationService(&escalationRequestStub{}, security, &escalationRuleStub{}, &escalationAssignmentStub{})

	decision := svc.ValidateApproverPermission(context.Background(), "user-1", "user-1", models.RoleTeacher, "inst-1")
	require.False(t, decision.Allowed)
	require.Equal(t, "Users cannot approve their own role requests", decision.Reason)
	require.Contains(t, security.suspiciousKinds(), "self_approval")
	require.Equal(t, models.SeverityHigh, security.suspicious[0].Severity)
}

func TestValidateApproverPermissionRequiresSeniority(t *testing.T) {
	assignments := &escalationAssignmentStub{roles: map[string][]models.Role{
		"dept-admin": {models.RoleDepartmentAdmin},
		"teacher":    {models.RoleTeacher},
	}}
	svc := newEscalationService(&escalationRequestStub{}, &escalationSecurityStub{}, &escalationRuleStub{}, assignments)

	decision := svc.ValidateApproverPermission(context.Background(), "dept-admin", "user-1", models.RoleTeacher, "inst-1")
	require.True(t, decision.Allowed)

	decision = svc.ValidateApproverPermission(context.Background(), "teacher", "user-1", models.RoleTeacher, "inst-1")
	require.False(t, decision.Allowed)
	require.Contains(t, decision.Reason, "DEPARTMENT_ADMIN")

	decision = svc.ValidateApproverPermission(context.Background(), "dept-admin", "user-1", models.RoleInstitutionAdmin, "inst-1")
	require.False(t, decision.Allowed)
	require.Contains(t, decision.Reason, "SYSTEM_ADMIN")
}

func TestIsMetronomic(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	regular := make([]time.Time, 6)
	for i := range regular {
		regular[i] = base.Add(-time.Duration(i) * 30 * time.Second)
	}
	require.True(t, isMetronomic(regular))

	irregular := []time.Time{
		base,
		base.Add(-45 * time.Second),
		base.Add(-4 * time.Minute),
		base.Add(-20 * time.Minute),
		base.Add(-90 * time.Minute),
		base.Add(-5 * time.Hour),
	}
	require.False(t, isMetronomic(irregular))
	require.False(t, isMetronomic(regular[:3]))
}
