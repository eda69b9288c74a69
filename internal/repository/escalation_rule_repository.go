package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campus-roles-api/internal/models"
)

// EscalationRuleRepository reads the configured escalation rules.
type EscalationRuleRepository struct {
	db *sqlx.DB
}

// NewEscalationRuleRepository constructs the repository.
func NewEscalationRuleRepository(db *sqlx.DB) *EscalationRuleRepository {
	return &EscalationRuleRepository{db: db}
}

const ruleColumns = `id, from_role, to_role, requires_approval, required_approver_role,
        max_requests_per_day, cooldown_hours, created_at`

// FindExact returns the rule for the exact (from, to) pair, or nil.
func (r *EscalationRuleRepository) FindExact(ctx context.Context, from, to models.Role) (*models.EscalationRule, error) {
	query := fmt.Sprintf(`SELECT %s FROM role_escalation_rules WHERE from_role = $1 AND to_role = $2 LIMIT 1`, ruleColumns)
	var rule models.EscalationRule
	if err := r.db.GetContext(ctx, &rule, query, from, to); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find escalation rule: %w", err)
	}
	return &rule, nil
}

// FindByTarget returns all rules whose target role matches.
func (r *EscalationRuleRepository) FindByTarget(ctx context.Context, to models.Role) ([]models.EscalationRule, error) {
	query := fmt.Sprintf(`SELECT %s FROM role_escalation_rules WHERE to_role = $1 ORDER BY from_role`, ruleColumns)
	var rules []models.EscalationRule
	if err := r.db.SelectContext(ctx, &rules, query, to); err != nil {
		return nil, fmt.Errorf("list escalation rules: %w", err)
	}
	return rules, nil
}
