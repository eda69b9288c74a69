package service

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-roles-api/internal/models"
	"github.com/noah-isme/campus-roles-api/pkg/config"
)

type escalationRequestRepository interface {
	CountByUserSince(ctx context.Context, userID string, since time.Time) (int, error)
	CountByUserRoleSince(ctx context.Context, userID string, role models.Role, since time.Time) (int, error)
	CountDeniedByUserSince(ctx context.Context, userID string, since time.Time) (int, error)
	CountHighPrivilegeByUserSince(ctx context.Context, userID string, since time.Time) (int, error)
	CountDistinctInstitutionsByUserSince(ctx context.Context, userID string, since time.Time) (int, error)
	RecentRequestTimes(ctx context.Context, userID string, limit int) ([]time.Time, error)
	LastResolvedAt(ctx context.Context, userID string, role models.Role) (*time.Time, error)
}

type escalationSecurityRepository interface {
	CreateAttempt(ctx context.Context, attempt *models.EscalationAttempt) error
	CreateSuspicious(ctx context.Context, activity *models.SuspiciousActivity) error
	CountDistinctIPsByUserSince(ctx context.Context, userID string, since time.Time) (int, error)
}

type escalationRuleReader interface {
	FindExact(ctx context.Context, from, to models.Role) (*models.EscalationRule, error)
	FindByTarget(ctx context.Context, to models.Role) ([]models.EscalationRule, error)
}

type escalationAssignmentReader interface {
	ActiveRoles(ctx context.Context, userID, institutionID string) ([]models.Role, error)
}

// Base risk contributions by escalation distance, plus the surcharge for the
// top of the hierarchy. A context check or detected pattern adds its own
// weight on top; the final score is clamped to [0, 100].
const (
	riskDowngrade     = 5
	riskSingleStep    = 10
	riskDoubleStep    = 25
	riskMultiStep     = 50
	riskSystemAdmin   = 20
	riskMissingToken  = 10
	riskPatternWeight = 30
	riskMax           = 100
)

// Risk increments for the individual security signals. Each check sums the
// signals that fired and fails when the sum reaches that check's configured
// threshold.
const (
	riskOffHours       = 15
	riskDailyVolume    = 20
	riskDistinctIPs    = 25
	riskReservedIP     = 30
	riskDenialRatio    = 25
	riskWeeklyHighPriv = 30
	riskCrossInst      = 20
	riskCrossInstPriv  = 25
)

var suspiciousClientPattern = regexp.MustCompile(`(?i)(curl|wget|python|bot|crawler|script)`)

// EscalationService decides whether a role request may proceed. Every
// decision is recorded as an escalation attempt; anything that smells wrong
// additionally produces a suspicious activity record. The service never
// guesses in the caller's favor: when its own checks cannot run, the request
// is blocked.
type EscalationService struct {
	requests    escalationRequestRepository
	security    escalationSecurityRepository
	rules       escalationRuleReader
	assignments escalationAssignmentReader
	cfg         config.EscalationConfig
	session     config.SessionConfig
	metrics     *MetricsService
	logger      *zap.Logger
	now         func() time.Time
}

// NewEscalationService constructs the escalation prevention service.
func NewEscalationService(
	requests escalationRequestRepository,
	security escalationSecurityRepository,
	rules escalationRuleReader,
	assignments escalationAssignmentReader,
	cfg config.EscalationConfig,
	session config.SessionConfig,
	metrics *MetricsService,
	logger *zap.Logger,
) *EscalationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EscalationService{
		requests:    requests,
		security:    security,
		rules:       rules,
		assignments: assignments,
		cfg:         cfg,
		session:     session,
		metrics:     metrics,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type contextFinding struct {
	kind     string
	severity models.Severity
	detail   string
	risk     int
	critical bool
}

// ValidateRoleRequest runs the full escalation check for a request by userID
// for requestedRole. It resolves the user's effective current role from
// active assignments, scores the request, and records the attempt.
func (s *EscalationService) ValidateRoleRequest(ctx context.Context, userID string, requestedRole models.Role, institutionID string, reqCtx models.RequestContext) models.EscalationDecision {
	currentRole, err := s.effectiveRole(ctx, userID, institutionID)
	if err != nil {
		return s.failClosed(ctx, userID, requestedRole, institutionID, reqCtx, "role resolution failed", err)
	}

	risk := baseRisk(currentRole, requestedRole)

	findings, err := s.runContextChecks(ctx, userID, reqCtx)
	if err != nil {
		return s.failClosed(ctx, userID, requestedRole, institutionID, reqCtx, "security check failed", err)
	}

	critical := false
	suspicious := false
	for _, f := range findings {
		risk += f.risk
		if f.critical {
			critical = true
		}
		if f.severity == models.SeverityHigh || f.severity == models.SeverityCritical {
			suspicious = true
		}
	}
	risk = clampRisk(risk)
	if critical || risk > s.cfg.BlockRiskThreshold {
		return s.record(ctx, userID, currentRole, requestedRole, institutionID, reqCtx, models.EscalationDecision{
			Allowed:   false,
			Reason:    blockReason(critical),
			RiskScore: risk,
		}, findings, nil)
	}

	// Transition policy: a configured rule wins, the static table is the
	// fallback.
	rule, ruleErr := s.resolveRule(ctx, currentRole, requestedRole)
	if ruleErr != nil {
		return s.failClosed(ctx, userID, requestedRole, institutionID, reqCtx, "rule lookup failed", ruleErr)
	}
	requiresApproval := false
	if rule != nil {
		requiresApproval = rule.RequiresApproval
		if denied, reason := s.checkRuleQuotas(ctx, userID, requestedRole, rule); denied {
			return s.record(ctx, userID, currentRole, requestedRole, institutionID, reqCtx, models.EscalationDecision{
				Allowed:   false,
				Reason:    reason,
				RiskScore: risk,
			}, findings, nil)
		}
	} else if !models.IsValidTransition(currentRole, requestedRole) {
		return s.record(ctx, userID, currentRole, requestedRole, institutionID, reqCtx, models.EscalationDecision{
			Allowed:   false,
			Reason:    fmt.Sprintf("Role transition from %s to %s is not allowed", currentRole, requestedRole),
			RiskScore: risk,
		}, findings, nil)
	}

	patterns, err := s.detectPatterns(ctx, userID, currentRole, requestedRole, reqCtx)
	if err != nil {
		return s.failClosed(ctx, userID, requestedRole, institutionID, reqCtx, "pattern detection failed", err)
	}
	if len(patterns) > 0 {
		suspicious = true
		patternCritical := false
		for _, p := range patterns {
			if p.critical {
				patternCritical = true
			}
		}
		risk = clampRisk(risk + riskPatternWeight)
		if patternCritical || risk > s.cfg.PatternRiskThreshold {
			return s.record(ctx, userID, currentRole, requestedRole, institutionID, reqCtx, models.EscalationDecision{
				Allowed:   false,
				Reason:    blockReason(patternCritical),
				RiskScore: risk,
			}, findings, patterns)
		}
	}

	if suspicious || risk > s.cfg.ApprovalRiskThreshold {
		requiresApproval = true
	}

	return s.record(ctx, userID, currentRole, requestedRole, institutionID, reqCtx, models.EscalationDecision{
		Allowed:          true,
		RequiresApproval: requiresApproval,
		RiskScore:        risk,
	}, findings, patterns)
}

// ValidateApproverPermission checks that the approver may act on a request
// for requestedRole. Self-approval is always denied and flagged.
func (s *EscalationService) ValidateApproverPermission(ctx context.Context, approverID, requestUserID string, requestedRole models.Role, institutionID string) models.ApproverDecision {
	if approverID == requestUserID {
		s.recordSuspicious(ctx, &models.SuspiciousActivity{
			UserID:        approverID,
			Kind:          "self_approval",
			Severity:      models.SeverityHigh,
			Detail:        fmt.Sprintf("attempted to approve own request for role %s", requestedRole),
			InstitutionID: institutionID,
		})
		return models.ApproverDecision{Allowed: false, Reason: "Users cannot approve their own role requests"}
	}

	required, err := s.requiredApproverRole(ctx, requestedRole)
	if err != nil {
		s.logger.Error("approver rule lookup failed, denying approval",
			zap.String("approver_id", approverID), zap.Error(err))
		return models.ApproverDecision{Allowed: false, Reason: "Approver permission check unavailable"}
	}

	approverRole, err := s.effectiveRole(ctx, approverID, institutionID)
	if err != nil {
		s.logger.Error("approver role resolution failed, denying approval",
			zap.String("approver_id", approverID), zap.Error(err))
		return models.ApproverDecision{Allowed: false, Reason: "Approver permission check unavailable"}
	}
	if approverRole.Level() < required.Level() {
		return models.ApproverDecision{
			Allowed: false,
			Reason:  fmt.Sprintf("Approving %s requests requires at least %s", requestedRole, required),
		}
	}
	return models.ApproverDecision{Allowed: true}
}

func (s *EscalationService) effectiveRole(ctx context.Context, userID, institutionID string) (models.Role, error) {
	roles, err := s.assignments.ActiveRoles(ctx, userID, institutionID)
	if err != nil {
		return "", err
	}
	return models.HighestRole(roles, models.RoleStudent), nil
}

func baseRisk(current, requested models.Role) int {
	distance := models.EscalationDistance(current, requested)
	var risk int
	switch {
	case distance <= 0:
		risk = riskDowngrade
	case distance == 1:
		risk = riskSingleStep
	case distance == 2:
		risk = riskDoubleStep
	default:
		risk = riskMultiStep
	}
	if requested == models.RoleSystemAdmin {
		risk += riskSystemAdmin
	}
	return clampRisk(risk)
}

func blockReason(critical bool) string {
	if critical {
		return "Request blocked: critical security check failed"
	}
	return "Request blocked by security policy"
}

func clampRisk(risk int) int {
	if risk < 0 {
		return 0
	}
	if risk > riskMax {
		return riskMax
	}
	return risk
}

// runContextChecks evaluates the per-request security checks. Each check sums
// the risk of the signals that fired; the session and behavior checks can be
// critical, the rest only escalate in severity once they reach their
// threshold.
func (s *EscalationService) runContextChecks(ctx context.Context, userID string, reqCtx models.RequestContext) ([]contextFinding, error) {
	var findings []contextFinding
	now := s.now()

	timeFinding, err := s.checkTimePattern(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if timeFinding != nil {
		findings = append(findings, *timeFinding)
	}

	if reqCtx.ClientIP != "" {
		ipFinding, err := s.checkIPPattern(ctx, userID, reqCtx.ClientIP, now)
		if err != nil {
			return nil, err
		}
		if ipFinding != nil {
			findings = append(findings, *ipFinding)
		}
	}

	if finding := s.checkSessionToken(reqCtx.SessionToken); finding != nil {
		findings = append(findings, *finding)
	}

	behaviorFinding, err := s.checkBehavior(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if behaviorFinding != nil {
		findings = append(findings, *behaviorFinding)
	}

	crossFinding, err := s.checkCrossInstitution(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if crossFinding != nil {
		findings = append(findings, *crossFinding)
	}

	return findings, nil
}

// checkTimePattern flags off-hours activity and an unusually busy trailing
// day.
func (s *EscalationService) checkTimePattern(ctx context.Context, userID string, now time.Time) (*contextFinding, error) {
	risk := 0
	var details []string

	hour := now.Hour()
	if hour >= s.cfg.OffHoursStart || hour < s.cfg.OffHoursEnd {
		risk += riskOffHours
		details = append(details, fmt.Sprintf("request at %02d:00 UTC, outside business hours", hour))
	}
	daily, err := s.requests.CountByUserSince(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	if daily > 3 {
		risk += riskDailyVolume
		details = append(details, fmt.Sprintf("%d role requests in the last day", daily))
	}
	if risk == 0 {
		return nil, nil
	}
	severity := models.SeverityLow
	if risk >= s.cfg.TimePatternThreshold {
		severity = models.SeverityMedium
	}
	return &contextFinding{kind: "time_pattern", severity: severity, detail: strings.Join(details, "; "), risk: risk}, nil
}

// checkIPPattern flags users hopping between many addresses and requests
// arriving from private or reserved ranges, which on a public platform means
// a proxy or a spoofed header.
func (s *EscalationService) checkIPPattern(ctx context.Context, userID, clientIP string, now time.Time) (*contextFinding, error) {
	risk := 0
	var details []string

	distinct, err := s.security.CountDistinctIPsByUserSince(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	if distinct > 3 {
		risk += riskDistinctIPs
		details = append(details, fmt.Sprintf("%d distinct client IPs in the last day", distinct))
	}
	if isReservedIP(clientIP) {
		risk += riskReservedIP
		details = append(details, fmt.Sprintf("client IP %s is in a private or reserved range", clientIP))
	}
	if risk == 0 {
		return nil, nil
	}
	severity := models.SeverityMedium
	if risk >= s.cfg.IPPatternThreshold {
		severity = models.SeverityHigh
	}
	return &contextFinding{kind: "ip_pattern", severity: severity, detail: strings.Join(details, "; "), risk: risk}, nil
}

func isReservedIP(value string) bool {
	ip := net.ParseIP(value)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// checkBehavior looks at the trailing week: a mostly-denied request history
// and a run of administrative role requests. Both signals firing together
// crosses the threshold and blocks the request.
func (s *EscalationService) checkBehavior(ctx context.Context, userID string, now time.Time) (*contextFinding, error) {
	weekAgo := now.Add(-7 * 24 * time.Hour)
	total, err := s.requests.CountByUserSince(ctx, userID, weekAgo)
	if err != nil {
		return nil, err
	}
	denied, err := s.requests.CountDeniedByUserSince(ctx, userID, weekAgo)
	if err != nil {
		return nil, err
	}
	highPriv, err := s.requests.CountHighPrivilegeByUserSince(ctx, userID, weekAgo)
	if err != nil {
		return nil, err
	}

	risk := 0
	var details []string
	if total > 0 && denied*2 > total {
		risk += riskDenialRatio
		details = append(details, fmt.Sprintf("%d of %d role requests denied in the last week", denied, total))
	}
	if highPriv > 2 {
		risk += riskWeeklyHighPriv
		details = append(details, fmt.Sprintf("%d administrative role requests in the last week", highPriv))
	}
	if risk == 0 {
		return nil, nil
	}
	finding := &contextFinding{kind: "behavior_history", severity: models.SeverityMedium, detail: strings.Join(details, "; "), risk: risk}
	if risk >= s.cfg.BehaviorThreshold {
		finding.severity = models.SeverityCritical
		finding.critical = true
	}
	return finding, nil
}

// checkCrossInstitution flags weekly activity spread across institutions,
// especially when paired with high-privilege requests.
func (s *EscalationService) checkCrossInstitution(ctx context.Context, userID string, now time.Time) (*contextFinding, error) {
	weekAgo := now.Add(-7 * 24 * time.Hour)
	institutions, err := s.requests.CountDistinctInstitutionsByUserSince(ctx, userID, weekAgo)
	if err != nil {
		return nil, err
	}

	risk := 0
	var details []string
	if institutions > 2 {
		risk += riskCrossInst
		details = append(details, fmt.Sprintf("requests across %d institutions in the last week", institutions))
	}
	if institutions > 1 {
		highPriv, err := s.requests.CountHighPrivilegeByUserSince(ctx, userID, weekAgo)
		if err != nil {
			return nil, err
		}
		if highPriv > 1 {
			risk += riskCrossInstPriv
			details = append(details, fmt.Sprintf("%d high-privilege role requests spread across institutions", highPriv))
		}
	}
	if risk == 0 {
		return nil, nil
	}
	severity := models.SeverityMedium
	if risk >= s.cfg.CrossInstThreshold {
		severity = models.SeverityHigh
	}
	return &contextFinding{kind: "cross_institution", severity: severity, detail: strings.Join(details, "; "), risk: risk}, nil
}

// checkSessionToken verifies the session token attached to the request. A
// token that is present but does not verify is a critical failure; a missing
// token only raises the risk.
func (s *EscalationService) checkSessionToken(token string) *contextFinding {
	if token == "" {
		return &contextFinding{
			kind:     "missing_session_token",
			severity: models.SeverityLow,
			detail:   "request without a session token",
			risk:     riskMissingToken,
		}
	}
	if len(token) < s.session.MinTokenLength {
		return &contextFinding{
			kind:     "invalid_session_token",
			severity: models.SeverityCritical,
			detail:   "session token below minimum length",
			critical: true,
		}
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.session.Secret), nil
	})
	if err != nil || !parsed.Valid {
		return &contextFinding{
			kind:     "invalid_session_token",
			severity: models.SeverityCritical,
			detail:   "session token failed verification",
			critical: true,
		}
	}
	return nil
}

// detectPatterns looks for request shapes that indicate probing or
// automation rather than a person asking for a role.
func (s *EscalationService) detectPatterns(ctx context.Context, userID string, currentRole, requestedRole models.Role, reqCtx models.RequestContext) ([]contextFinding, error) {
	var patterns []contextFinding
	now := s.now()

	hourCount, err := s.requests.CountByUserSince(ctx, userID, now.Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	if hourCount >= 5 {
		patterns = append(patterns, contextFinding{
			kind:     "rapid_requests",
			severity: models.SeverityCritical,
			detail:   fmt.Sprintf("%d role requests in the last hour", hourCount),
			critical: true,
		})
	}

	highPriv, err := s.requests.CountHighPrivilegeByUserSince(ctx, userID, now.Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	if highPriv >= 2 {
		patterns = append(patterns, contextFinding{
			kind:     "privilege_escalation",
			severity: models.SeverityHigh,
			detail:   fmt.Sprintf("%d high-privilege role requests in the last hour", highPriv),
		})
	}

	if models.EscalationDistance(currentRole, requestedRole) >= 2 {
		patterns = append(patterns, contextFinding{
			kind:     "unusual_progression",
			severity: models.SeverityMedium,
			detail:   fmt.Sprintf("request skips hierarchy levels: %s to %s", currentRole, requestedRole),
		})
	}

	if reqCtx.UserAgent != "" && suspiciousClientPattern.MatchString(reqCtx.UserAgent) {
		patterns = append(patterns, contextFinding{
			kind:     "suspicious_client",
			severity: models.SeverityMedium,
			detail:   fmt.Sprintf("automated client user agent: %s", reqCtx.UserAgent),
		})
	}

	times, err := s.requests.RecentRequestTimes(ctx, userID, 10)
	if err != nil {
		return nil, err
	}
	if isMetronomic(times) {
		patterns = append(patterns, contextFinding{
			kind:     "automation",
			severity: models.SeverityHigh,
			detail:   "request intervals show machine-like regularity",
		})
	}

	return patterns, nil
}

// isMetronomic reports whether the timestamps (newest first) are spaced so
// evenly that a human is unlikely to have produced them.
func isMetronomic(times []time.Time) bool {
	if len(times) < 5 {
		return false
	}
	gaps := make([]time.Duration, 0, len(times)-1)
	var total time.Duration
	for i := 0; i < len(times)-1; i++ {
		gap := times[i].Sub(times[i+1])
		if gap < 0 {
			gap = -gap
		}
		gaps = append(gaps, gap)
		total += gap
	}
	mean := total / time.Duration(len(gaps))
	if mean > 5*time.Minute {
		return false
	}
	for _, gap := range gaps {
		delta := gap - mean
		if delta < 0 {
			delta = -delta
		}
		if delta > 2*time.Second {
			return false
		}
	}
	return true
}

// resolveRule finds the governing escalation rule: an exact (from, to) match
// first, otherwise the target-role rule with the lowest source role that
// still sits at or above the user's level. A rule written for a junior
// source role never governs a more senior requester.
func (s *EscalationService) resolveRule(ctx context.Context, from, to models.Role) (*models.EscalationRule, error) {
	rule, err := s.rules.FindExact(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if rule != nil {
		return rule, nil
	}
	candidates, err := s.rules.FindByTarget(ctx, to)
	if err != nil {
		return nil, err
	}
	var match *models.EscalationRule
	for i := range candidates {
		candidate := &candidates[i]
		if candidate.FromRole.Level() < from.Level() {
			continue
		}
		if match == nil || candidate.FromRole.Level() < match.FromRole.Level() {
			match = candidate
		}
	}
	return match, nil
}

// checkRuleQuotas enforces the per-rule daily quota and cooldown.
func (s *EscalationService) checkRuleQuotas(ctx context.Context, userID string, requestedRole models.Role, rule *models.EscalationRule) (bool, string) {
	now := s.now()
	if rule.MaxRequestsPerDay > 0 {
		count, err := s.requests.CountByUserRoleSince(ctx, userID, requestedRole, now.Add(-24*time.Hour))
		if err != nil {
			s.logger.Error("rule quota check failed, denying request",
				zap.String("user_id", userID), zap.Error(err))
			return true, "Escalation policy check unavailable"
		}
		if count >= rule.MaxRequestsPerDay {
			return true, fmt.Sprintf("Daily request limit reached for role %s", requestedRole)
		}
	}
	if rule.CooldownHours > 0 {
		last, err := s.requests.LastResolvedAt(ctx, userID, requestedRole)
		if err != nil {
			s.logger.Error("rule cooldown check failed, denying request",
				zap.String("user_id", userID), zap.Error(err))
			return true, "Escalation policy check unavailable"
		}
		if last != nil {
			until := last.Add(time.Duration(rule.CooldownHours) * time.Hour)
			if until.After(now) {
				return true, fmt.Sprintf("Cooldown active for role %s until %s", requestedRole, until.Format(time.RFC3339))
			}
		}
	}
	return false, ""
}

// requiredApproverRole resolves the minimum role allowed to approve requests
// for the target role. A configured rule wins; otherwise approval sits one
// level above the requested role, capped at system administrator.
func (s *EscalationService) requiredApproverRole(ctx context.Context, requestedRole models.Role) (models.Role, error) {
	rules, err := s.rules.FindByTarget(ctx, requestedRole)
	if err != nil {
		return "", err
	}
	for _, rule := range rules {
		if rule.RequiredApproverRole.Valid() {
			return rule.RequiredApproverRole, nil
		}
	}
	switch requestedRole {
	case models.RoleDepartmentAdmin:
		return models.RoleInstitutionAdmin, nil
	case models.RoleInstitutionAdmin, models.RoleSystemAdmin:
		return models.RoleSystemAdmin, nil
	default:
		return models.RoleDepartmentAdmin, nil
	}
}

// record persists the attempt, emits suspicious activity records for the
// notable findings, and returns the decision unchanged.
func (s *EscalationService) record(ctx context.Context, userID string, currentRole, requestedRole models.Role, institutionID string, reqCtx models.RequestContext, decision models.EscalationDecision, findings, patterns []contextFinding) models.EscalationDecision {
	s.metrics.ObserveRiskScore(decision.RiskScore)

	attempt := &models.EscalationAttempt{
		UserID:        userID,
		FromRole:      &currentRole,
		ToRole:        requestedRole,
		InstitutionID: institutionID,
		Allowed:       decision.Allowed,
		RiskScore:     decision.RiskScore,
	}
	if decision.Reason != "" {
		reason := decision.Reason
		attempt.Reason = &reason
	}
	if reqCtx.ClientIP != "" {
		ip := reqCtx.ClientIP
		attempt.ClientIP = &ip
	}
	if err := s.security.CreateAttempt(ctx, attempt); err != nil {
		s.logger.Error("failed to record escalation attempt",
			zap.String("user_id", userID), zap.Error(err))
	}

	for _, f := range append(findings, patterns...) {
		if f.severity == models.SeverityLow && decision.Allowed {
			continue
		}
		s.recordSuspicious(ctx, &models.SuspiciousActivity{
			UserID:        userID,
			Kind:          f.kind,
			Severity:      f.severity,
			Detail:        f.detail,
			InstitutionID: institutionID,
		})
	}
	if !decision.Allowed {
		s.logger.Warn("role request blocked",
			zap.String("user_id", userID),
			zap.String("requested_role", string(requestedRole)),
			zap.Int("risk_score", decision.RiskScore),
			zap.String("reason", decision.Reason),
		)
	}
	return decision
}

// failClosed blocks the request when the service cannot complete its own
// checks, with the maximum risk score and a high-severity flag.
func (s *EscalationService) failClosed(ctx context.Context, userID string, requestedRole models.Role, institutionID string, reqCtx models.RequestContext, detail string, err error) models.EscalationDecision {
	s.logger.Error("escalation check failed, blocking request",
		zap.String("user_id", userID),
		zap.String("requested_role", string(requestedRole)),
		zap.String("detail", detail),
		zap.Error(err),
	)
	s.recordSuspicious(ctx, &models.SuspiciousActivity{
		UserID:        userID,
		Kind:          "escalation_check_failure",
		Severity:      models.SeverityHigh,
		Detail:        detail,
		InstitutionID: institutionID,
	})
	s.metrics.ObserveRiskScore(riskMax)

	attempt := &models.EscalationAttempt{
		UserID:        userID,
		ToRole:        requestedRole,
		InstitutionID: institutionID,
		Allowed:       false,
		RiskScore:     riskMax,
	}
	reason := "Security validation unavailable"
	attempt.Reason = &reason
	if reqCtx.ClientIP != "" {
		ip := reqCtx.ClientIP
		attempt.ClientIP = &ip
	}
	if createErr := s.security.CreateAttempt(ctx, attempt); createErr != nil {
		s.logger.Error("failed to record escalation attempt",
			zap.String("user_id", userID), zap.Error(createErr))
	}
	return models.EscalationDecision{
		Allowed:   false,
		Reason:    "Security validation unavailable",
		RiskScore: riskMax,
	}
}

func (s *EscalationService) recordSuspicious(ctx context.Context, activity *models.SuspiciousActivity) {
	s.metrics.RecordSuspicious(string(activity.Severity))
	if err := s.security.CreateSuspicious(ctx, activity); err != nil {
		s.logger.Error("failed to record suspicious activity",
			zap.String("user_id", activity.UserID),
			zap.String("kind", activity.Kind),
			zap.Error(err),
		)
	}
}
