package rulepacks

import (
	"errors"
	"time"
)

// Plan entry actions.
const (
	ActionCreate  = "CREATE"
	ActionUpdate  = "UPDATE"
	ActionDisable = "DISABLE"
	ActionSkip    = "SKIP"
)

// Deploy strategies. Safe suppresses disabling rules that fired recently;
// force allows it and lifts the blast-radius cap.
const (
	StrategySafe  = "safe"
	StrategyForce = "force"
)

// Canary states.
const (
	CanaryRunning   = "running"
	CanaryPaused    = "paused"
	CanaryCancelled = "cancelled"
	CanaryComplete  = "complete"
)

var (
	ErrPackNotFound       = errors.New("rule pack not found")
	ErrPlanNotFound       = errors.New("deploy plan not found")
	ErrDeployNotFound     = errors.New("deployment not found")
	ErrArchiveTooLarge    = errors.New("archive exceeds size limit")
	ErrTooManyItems       = errors.New("archive exceeds item limit")
	ErrNoValidItems       = errors.New("archive contains no valid rules")
	ErrIdempotencyKey     = errors.New("Idempotency-Key header is required")
	ErrLockHeld           = errors.New("another apply is in progress for this tenant")
	ErrGuardrail          = errors.New("guardrail check failed")
	ErrNoSnapshots        = errors.New("deployment has no snapshots to roll back")
	ErrCanaryNotActive    = errors.New("deployment has no active canary")
	ErrBadCanaryAction    = errors.New("unknown canary action")
	ErrInvalidCanaryStage = errors.New("invalid canary stage configuration")
)

// RulePack is an uploaded archive of detection rules.
type RulePack struct {
	PackID     string    `json:"pack_id"`
	TenantID   string    `json:"tenant_id"`
	Name       string    `json:"name"`
	ItemCount  int       `json:"item_count"`
	ValidCount int       `json:"valid_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// PackItem is one rule inside a pack, with its compile outcome.
type PackItem struct {
	PackID        string `json:"pack_id"`
	RuleID        string `json:"rule_id"`
	Name          string `json:"name"`
	Severity      string `json:"severity,omitempty"`
	Body          string `json:"body"`
	BodyHash      string `json:"body_hash"`
	CompileOK     bool   `json:"compile_ok"`
	CompileResult string `json:"compile_result"`
}

// DetectionRule is a tenant's currently deployed rule.
type DetectionRule struct {
	RuleID      string     `json:"rule_id"`
	TenantID    string     `json:"tenant_id"`
	Name        string     `json:"name"`
	Severity    string     `json:"severity,omitempty"`
	Body        string     `json:"body"`
	Enabled     bool       `json:"enabled"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
}

// PlanEntry is one planned change.
type PlanEntry struct {
	Action   string `json:"action"`
	RuleID   string `json:"rule_id"`
	Name     string `json:"name"`
	Severity string `json:"severity,omitempty"`
	Body     string `json:"body,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Guardrails are the preconditions computed at plan time and re-checked
// at apply time. Every field must hold for an apply to proceed.
type Guardrails struct {
	CompilationClean bool `json:"compilation_clean"`
	HotDisableSafe   bool `json:"hot_disable_safe"`
	QuotaOK          bool `json:"quota_ok"`
	BlastRadiusOK    bool `json:"blast_radius_ok"`
	HealthOK         bool `json:"health_ok"`
	LockOK           bool `json:"lock_ok"`
	IdempotencyOK    bool `json:"idempotency_ok"`
}

// Pass reports whether every guardrail holds.
func (g Guardrails) Pass() bool {
	return g.CompilationClean && g.HotDisableSafe && g.QuotaOK &&
		g.BlastRadiusOK && g.HealthOK && g.LockOK && g.IdempotencyOK
}

// Failed lists the guardrails that did not hold.
func (g Guardrails) Failed() []string {
	var failed []string
	if !g.CompilationClean {
		failed = append(failed, "compilation_clean")
	}
	if !g.HotDisableSafe {
		failed = append(failed, "hot_disable_safe")
	}
	if !g.QuotaOK {
		failed = append(failed, "quota_ok")
	}
	if !g.BlastRadiusOK {
		failed = append(failed, "blast_radius_ok")
	}
	if !g.HealthOK {
		failed = append(failed, "health_ok")
	}
	if !g.LockOK {
		failed = append(failed, "lock_ok")
	}
	if !g.IdempotencyOK {
		failed = append(failed, "idempotency_ok")
	}
	return failed
}

// PlanTotals summarizes a plan by action.
type PlanTotals struct {
	Creates  int `json:"creates"`
	Updates  int `json:"updates"`
	Disables int `json:"disables"`
	Skips    int `json:"skips"`
}

// Changes is the number of mutating entries (everything but SKIP).
func (t PlanTotals) Changes() int {
	return t.Creates + t.Updates + t.Disables
}

// Plan is a persisted diff between a pack and a tenant's deployed rules.
type Plan struct {
	PlanID     string      `json:"plan_id"`
	PackID     string      `json:"pack_id"`
	TenantID   string      `json:"tenant_id"`
	Strategy   string      `json:"strategy"`
	Entries    []PlanEntry `json:"entries"`
	Totals     PlanTotals  `json:"totals"`
	Guardrails Guardrails  `json:"guardrails"`
	CreatedAt  time.Time   `json:"created_at"`
}

// CanaryConfig requests a staged rollout.
type CanaryConfig struct {
	Stages      []int `json:"stages"`       // ascending percentages, last must be 100
	IntervalSec int   `json:"interval_sec"` // minimum 30
}

// CanaryState tracks a staged rollout on a deployment.
type CanaryState struct {
	Stages      []int  `json:"stages"`
	StageIndex  int    `json:"stage_index"`
	IntervalSec int    `json:"interval_sec"`
	Status      string `json:"status"`
}

// CurrentStage is the percentage currently rolled out.
func (c *CanaryState) CurrentStage() int {
	if c == nil || len(c.Stages) == 0 {
		return 0
	}
	if c.StageIndex >= len(c.Stages) {
		return c.Stages[len(c.Stages)-1]
	}
	return c.Stages[c.StageIndex]
}

// Deployment is one apply or rollback execution.
type Deployment struct {
	DeployID   string       `json:"deploy_id"`
	PlanID     string       `json:"plan_id,omitempty"`
	TenantID   string       `json:"tenant_id"`
	Kind       string       `json:"kind"` // apply | rollback
	Status     string       `json:"status"`
	Applied    int          `json:"applied"`
	Skipped    int          `json:"skipped"`
	Canary     *CanaryState `json:"canary,omitempty"`
	RolledBack string       `json:"rolled_back_deploy_id,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// RuleSnapshot preserves a rule body as it was before a deployment
// touched it, so the deployment can be rolled back.
type RuleSnapshot struct {
	DeployID string `json:"deploy_id"`
	RuleID   string `json:"rule_id"`
	Name     string `json:"name"`
	Severity string `json:"severity,omitempty"`
	Body     string `json:"body"`
	Enabled  bool   `json:"enabled"`
	Existed  bool   `json:"existed"`
}

// ChangeLogEntry records one applied change.
type ChangeLogEntry struct {
	DeployID string    `json:"deploy_id"`
	TenantID string    `json:"tenant_id"`
	RuleID   string    `json:"rule_id"`
	Action   string    `json:"action"`
	OldHash  string    `json:"old_hash,omitempty"`
	NewHash  string    `json:"new_hash,omitempty"`
	At       time.Time `json:"at"`
}

// UploadResult reports an accepted pack.
type UploadResult struct {
	PackID     string     `json:"pack_id"`
	ItemCount  int        `json:"item_count"`
	ValidCount int        `json:"valid_count"`
	Invalid    []PackItem `json:"invalid_items,omitempty"`
}

// ApplyResult is the idempotency-cached outcome of an apply or rollback.
type ApplyResult struct {
	DeployID string       `json:"deploy_id"`
	PlanID   string       `json:"plan_id,omitempty"`
	Applied  int          `json:"applied"`
	Skipped  int          `json:"skipped"`
	Replayed bool         `json:"replayed"`
	Canary   *CanaryState `json:"canary,omitempty"`
}
