package rulepacks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"argus/pkg/database"
)

// Store persists packs, plans, deployments, snapshots and the change log
// in Postgres.
type Store struct {
	db database.PostgresConn
}

func NewStore(db database.PostgresConn) *Store {
	return &Store{db: db}
}

// SavePack inserts a pack and its items in one transaction.
func (s *Store) SavePack(ctx context.Context, pack *RulePack, items []PackItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin pack tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rule_packs (pack_id, tenant_id, name, item_count, valid_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		pack.PackID, pack.TenantID, pack.Name, pack.ItemCount, pack.ValidCount, pack.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert rule pack: %w", err)
	}

	for i := range items {
		item := &items[i]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rule_pack_items (pack_id, rule_id, name, severity, body, body_hash, compile_ok, compile_result)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			pack.PackID, item.RuleID, item.Name, item.Severity, item.Body,
			item.BodyHash, item.CompileOK, item.CompileResult,
		); err != nil {
			return fmt.Errorf("insert pack item %s: %w", item.Name, err)
		}
	}

	return tx.Commit()
}

// GetPack loads a pack header and its items.
func (s *Store) GetPack(ctx context.Context, packID string) (*RulePack, []PackItem, error) {
	var pack RulePack
	err := s.db.QueryRowContext(ctx,
		`SELECT pack_id, tenant_id, name, item_count, valid_count, created_at
		 FROM rule_packs WHERE pack_id = $1`, packID,
	).Scan(&pack.PackID, &pack.TenantID, &pack.Name, &pack.ItemCount, &pack.ValidCount, &pack.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrPackNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load pack %s: %w", packID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT rule_id, name, severity, body, body_hash, compile_ok, compile_result
		 FROM rule_pack_items WHERE pack_id = $1 ORDER BY name`, packID)
	if err != nil {
		return nil, nil, fmt.Errorf("load pack items: %w", err)
	}
	defer rows.Close()

	var items []PackItem
	for rows.Next() {
		item := PackItem{PackID: packID}
		if err := rows.Scan(&item.RuleID, &item.Name, &item.Severity, &item.Body,
			&item.BodyHash, &item.CompileOK, &item.CompileResult); err != nil {
			return nil, nil, fmt.Errorf("scan pack item: %w", err)
		}
		items = append(items, item)
	}
	return &pack, items, rows.Err()
}

// TenantRules loads every deployed rule for a tenant, including when it
// last fired (used by the safe-strategy hot-disable guardrail).
func (s *Store) TenantRules(ctx context.Context, tenantID string) ([]DetectionRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rule_id, tenant_id, name, severity, body, enabled, updated_at, last_fired_at
		 FROM detection_rules WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant rules: %w", err)
	}
	defer rows.Close()

	var rules []DetectionRule
	for rows.Next() {
		var rule DetectionRule
		var fired sql.NullTime
		if err := rows.Scan(&rule.RuleID, &rule.TenantID, &rule.Name, &rule.Severity,
			&rule.Body, &rule.Enabled, &rule.UpdatedAt, &fired); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if fired.Valid {
			t := fired.Time
			rule.LastFiredAt = &t
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// SavePlan persists a plan; entries and guardrails are stored as JSON.
func (s *Store) SavePlan(ctx context.Context, plan *Plan) error {
	entries, err := json.Marshal(plan.Entries)
	if err != nil {
		return fmt.Errorf("encode plan entries: %w", err)
	}
	guardrails, err := json.Marshal(plan.Guardrails)
	if err != nil {
		return fmt.Errorf("encode guardrails: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deploy_plans (plan_id, pack_id, tenant_id, strategy, entries, guardrails,
		                           creates, updates, disables, skips, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		plan.PlanID, plan.PackID, plan.TenantID, plan.Strategy, entries, guardrails,
		plan.Totals.Creates, plan.Totals.Updates, plan.Totals.Disables, plan.Totals.Skips,
		plan.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

// GetPlan loads one plan by id.
func (s *Store) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	var plan Plan
	var entries, guardrails []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT plan_id, pack_id, tenant_id, strategy, entries, guardrails,
		        creates, updates, disables, skips, created_at
		 FROM deploy_plans WHERE plan_id = $1`, planID,
	).Scan(&plan.PlanID, &plan.PackID, &plan.TenantID, &plan.Strategy, &entries, &guardrails,
		&plan.Totals.Creates, &plan.Totals.Updates, &plan.Totals.Disables, &plan.Totals.Skips,
		&plan.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", planID, err)
	}
	if err := json.Unmarshal(entries, &plan.Entries); err != nil {
		return nil, fmt.Errorf("decode plan entries: %w", err)
	}
	if err := json.Unmarshal(guardrails, &plan.Guardrails); err != nil {
		return nil, fmt.Errorf("decode guardrails: %w", err)
	}
	return &plan, nil
}

// LatestPlanForPack returns the most recent plan for a pack.
func (s *Store) LatestPlanForPack(ctx context.Context, packID string) (*Plan, error) {
	var planID string
	err := s.db.QueryRowContext(ctx,
		`SELECT plan_id FROM deploy_plans WHERE pack_id = $1 ORDER BY created_at DESC LIMIT 1`,
		packID,
	).Scan(&planID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find plan for pack %s: %w", packID, err)
	}
	return s.GetPlan(ctx, planID)
}

// SaveDeployment persists a deployment artifact.
func (s *Store) SaveDeployment(ctx context.Context, dep *Deployment) error {
	var canary []byte
	if dep.Canary != nil {
		b, err := json.Marshal(dep.Canary)
		if err != nil {
			return fmt.Errorf("encode canary: %w", err)
		}
		canary = b
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deployments (deploy_id, plan_id, tenant_id, kind, status, applied, skipped,
		                          canary, rolled_back_deploy_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		dep.DeployID, dep.PlanID, dep.TenantID, dep.Kind, dep.Status, dep.Applied, dep.Skipped,
		canary, dep.RolledBack, dep.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

// GetDeployment loads one deployment by id.
func (s *Store) GetDeployment(ctx context.Context, deployID string) (*Deployment, error) {
	var dep Deployment
	var canary []byte
	var planID, rolledBack sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT deploy_id, plan_id, tenant_id, kind, status, applied, skipped,
		        canary, rolled_back_deploy_id, created_at
		 FROM deployments WHERE deploy_id = $1`, deployID,
	).Scan(&dep.DeployID, &planID, &dep.TenantID, &dep.Kind, &dep.Status, &dep.Applied,
		&dep.Skipped, &canary, &rolledBack, &dep.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeployNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load deployment %s: %w", deployID, err)
	}
	dep.PlanID = planID.String
	dep.RolledBack = rolledBack.String
	if len(canary) > 0 {
		dep.Canary = &CanaryState{}
		if err := json.Unmarshal(canary, dep.Canary); err != nil {
			return nil, fmt.Errorf("decode canary: %w", err)
		}
	}
	return &dep, nil
}

// UpdateCanary replaces the canary state on a deployment.
func (s *Store) UpdateCanary(ctx context.Context, deployID string, canary *CanaryState) error {
	b, err := json.Marshal(canary)
	if err != nil {
		return fmt.Errorf("encode canary: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET canary = $2 WHERE deploy_id = $1`, deployID, b)
	if err != nil {
		return fmt.Errorf("update canary: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDeployNotFound
	}
	return nil
}

// SaveSnapshots records rule bodies as they were before the deployment.
func (s *Store) SaveSnapshots(ctx context.Context, snaps []RuleSnapshot) error {
	for i := range snaps {
		snap := &snaps[i]
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO rule_snapshots (deploy_id, rule_id, name, severity, body, enabled, existed)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			snap.DeployID, snap.RuleID, snap.Name, snap.Severity, snap.Body,
			snap.Enabled, snap.Existed,
		); err != nil {
			return fmt.Errorf("insert snapshot for rule %s: %w", snap.RuleID, err)
		}
	}
	return nil
}

// GetSnapshots loads every snapshot taken by a deployment.
func (s *Store) GetSnapshots(ctx context.Context, deployID string) ([]RuleSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rule_id, name, severity, body, enabled, existed
		 FROM rule_snapshots WHERE deploy_id = $1 ORDER BY rule_id`, deployID)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []RuleSnapshot
	for rows.Next() {
		snap := RuleSnapshot{DeployID: deployID}
		if err := rows.Scan(&snap.RuleID, &snap.Name, &snap.Severity, &snap.Body,
			&snap.Enabled, &snap.Existed); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// UpsertRule creates or replaces a deployed rule.
func (s *Store) UpsertRule(ctx context.Context, rule *DetectionRule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO detection_rules (rule_id, tenant_id, name, severity, body, enabled, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (rule_id, tenant_id) DO UPDATE
		 SET name = $3, severity = $4, body = $5, enabled = $6, updated_at = $7`,
		rule.RuleID, rule.TenantID, rule.Name, rule.Severity, rule.Body, rule.Enabled,
		rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert rule %s: %w", rule.RuleID, err)
	}
	return nil
}

// DisableRule marks a deployed rule disabled.
func (s *Store) DisableRule(ctx context.Context, tenantID, ruleID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE detection_rules SET enabled = false, updated_at = $3
		 WHERE tenant_id = $1 AND rule_id = $2`, tenantID, ruleID, at)
	if err != nil {
		return fmt.Errorf("disable rule %s: %w", ruleID, err)
	}
	return nil
}

// LogChange appends one row to the change log.
func (s *Store) LogChange(ctx context.Context, entry *ChangeLogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rule_change_log (deploy_id, tenant_id, rule_id, action, old_hash, new_hash, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.DeployID, entry.TenantID, entry.RuleID, entry.Action, entry.OldHash,
		entry.NewHash, entry.At)
	if err != nil {
		return fmt.Errorf("log change for rule %s: %w", entry.RuleID, err)
	}
	return nil
}
