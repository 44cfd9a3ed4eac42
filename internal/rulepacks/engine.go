package rulepacks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"argus/pkg/monitoring"
)

// Guardrail limits.
const (
	maxUpdatePct   = 30  // quota_ok: updates may touch at most this share of deployed rules
	maxBlastRadius = 500 // blast_radius_ok: total changes unless strategy is force

	hotWindow         = 30 * 24 * time.Hour
	minCanaryInterval = 30 // seconds
)

// HealthSource supplies the cached health report for the health_ok
// guardrail. A nil source skips the check.
type HealthSource interface {
	LastReport(ctx context.Context) monitoring.HealthReport
}

// Metrics are the deployment counters. All fields are optional.
type Metrics struct {
	Deploys  *prometheus.CounterVec   // phase, status
	Duration *prometheus.HistogramVec // phase
}

// Config tunes the engine.
type Config struct {
	LockTTL        time.Duration // apply lock expiry
	LockWait       time.Duration // how long Apply blocks on a held lock; 0 = fail fast
	IdempotencyTTL time.Duration // must outlive the longest apply
}

// Engine drives the rule-pack lifecycle: upload, plan, apply, rollback,
// canary control. Applies run under a per-tenant distributed lock with
// idempotency-key replay.
type Engine struct {
	store  *Store
	idem   idempotencyCache
	redis  goredis.UniversalClient
	health HealthSource
	logger *logrus.Logger

	metrics Metrics
	cfg     Config
}

func NewEngine(store *Store, redisClient goredis.UniversalClient, health HealthSource, logger *logrus.Logger, metrics Metrics, cfg Config) *Engine {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &Engine{
		store:   store,
		idem:    idempotencyCache{client: redisClient, ttl: cfg.IdempotencyTTL},
		redis:   redisClient,
		health:  health,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
	}
}

// Upload ingests a gzipped tar of rule files for a tenant. Every item is
// parsed, hashed and compile-checked; the pack is rejected when it holds
// no valid items or exceeds the size or item limits.
func (e *Engine) Upload(ctx context.Context, tenantID, name string, archive io.Reader, declaredSize int64) (*UploadResult, error) {
	start := time.Now()
	if declaredSize > MaxArchiveBytes {
		e.count("upload", "rejected")
		return nil, ErrArchiveTooLarge
	}

	items, err := readArchive(io.LimitReader(archive, MaxArchiveBytes+1))
	if err != nil {
		e.count("upload", "rejected")
		return nil, err
	}

	valid := 0
	var invalid []PackItem
	for i := range items {
		if items[i].CompileOK {
			valid++
		} else {
			invalid = append(invalid, items[i])
		}
	}
	if valid == 0 {
		e.count("upload", "rejected")
		return nil, ErrNoValidItems
	}

	pack := &RulePack{
		PackID:     uuid.New().String(),
		TenantID:   tenantID,
		Name:       name,
		ItemCount:  len(items),
		ValidCount: valid,
		CreatedAt:  time.Now().UTC(),
	}
	for i := range items {
		items[i].PackID = pack.PackID
	}
	if err := e.store.SavePack(ctx, pack, items); err != nil {
		e.count("upload", "error")
		return nil, err
	}

	e.count("upload", "ok")
	e.observe("upload", time.Since(start))
	e.logger.WithFields(logrus.Fields{
		"pack_id":   pack.PackID,
		"tenant_id": tenantID,
		"items":     len(items),
		"valid":     valid,
	}).Info("Rule pack uploaded")

	return &UploadResult{
		PackID:     pack.PackID,
		ItemCount:  len(items),
		ValidCount: valid,
		Invalid:    invalid,
	}, nil
}

// Plan diffs a pack against the tenant's deployed rules and persists the
// result with its guardrail status. Matching is by rule_id first, then
// by name. The safe strategy suppresses disabling rules that fired
// within the hot window.
func (e *Engine) Plan(ctx context.Context, packID, strategy string) (*Plan, error) {
	start := time.Now()
	if strategy != StrategyForce {
		strategy = StrategySafe
	}

	pack, items, err := e.store.GetPack(ctx, packID)
	if err != nil {
		e.count("plan", "error")
		return nil, err
	}
	deployed, err := e.store.TenantRules(ctx, pack.TenantID)
	if err != nil {
		e.count("plan", "error")
		return nil, err
	}

	byID := make(map[string]*DetectionRule, len(deployed))
	byName := make(map[string]*DetectionRule, len(deployed))
	for i := range deployed {
		byID[deployed[i].RuleID] = &deployed[i]
		byName[strings.ToLower(deployed[i].Name)] = &deployed[i]
	}

	plan := &Plan{
		PlanID:    uuid.New().String(),
		PackID:    packID,
		TenantID:  pack.TenantID,
		Strategy:  strategy,
		CreatedAt: time.Now().UTC(),
	}

	compilationClean := true
	inPack := make(map[string]struct{}, len(items))
	for i := range items {
		item := &items[i]
		if !item.CompileOK {
			compilationClean = false
			plan.Entries = append(plan.Entries, PlanEntry{
				Action: ActionSkip,
				RuleID: item.RuleID,
				Name:   item.Name,
				Reason: item.CompileResult,
			})
			plan.Totals.Skips++
			continue
		}

		current := byID[item.RuleID]
		if current == nil {
			current = byName[strings.ToLower(item.Name)]
		}
		if current != nil {
			inPack[current.RuleID] = struct{}{}
			if ruleHash(current.Body) == item.BodyHash {
				plan.Entries = append(plan.Entries, PlanEntry{
					Action: ActionSkip,
					RuleID: current.RuleID,
					Name:   item.Name,
					Reason: "unchanged",
				})
				plan.Totals.Skips++
				continue
			}
			plan.Entries = append(plan.Entries, PlanEntry{
				Action:   ActionUpdate,
				RuleID:   current.RuleID,
				Name:     item.Name,
				Severity: item.Severity,
				Body:     item.Body,
			})
			plan.Totals.Updates++
			continue
		}

		ruleID := item.RuleID
		if ruleID == "" {
			ruleID = uuid.New().String()
		}
		plan.Entries = append(plan.Entries, PlanEntry{
			Action:   ActionCreate,
			RuleID:   ruleID,
			Name:     item.Name,
			Severity: item.Severity,
			Body:     item.Body,
		})
		plan.Totals.Creates++
	}

	// Deployed rules the pack no longer carries are disabled.
	hotDisables := 0
	cutoff := time.Now().Add(-hotWindow)
	for i := range deployed {
		rule := &deployed[i]
		if _, ok := inPack[rule.RuleID]; ok || !rule.Enabled {
			continue
		}
		hot := rule.LastFiredAt != nil && rule.LastFiredAt.After(cutoff)
		if hot && strategy == StrategySafe {
			plan.Entries = append(plan.Entries, PlanEntry{
				Action: ActionSkip,
				RuleID: rule.RuleID,
				Name:   rule.Name,
				Reason: "fired within the last 30 days; safe strategy keeps it enabled",
			})
			plan.Totals.Skips++
			continue
		}
		if hot {
			hotDisables++
		}
		plan.Entries = append(plan.Entries, PlanEntry{
			Action: ActionDisable,
			RuleID: rule.RuleID,
			Name:   rule.Name,
		})
		plan.Totals.Disables++
	}

	plan.Guardrails = Guardrails{
		CompilationClean: compilationClean,
		HotDisableSafe:   hotDisables == 0 || strategy == StrategyForce,
		QuotaOK:          len(deployed) == 0 || plan.Totals.Updates*100 <= maxUpdatePct*len(deployed),
		BlastRadiusOK:    plan.Totals.Changes() <= maxBlastRadius || strategy == StrategyForce,
		HealthOK:         e.healthOK(ctx),
		LockOK:           true, // verified at apply time
		IdempotencyOK:    true, // verified at apply time
	}

	if err := e.store.SavePlan(ctx, plan); err != nil {
		e.count("plan", "error")
		return nil, err
	}

	e.count("plan", "ok")
	e.observe("plan", time.Since(start))
	e.logger.WithFields(logrus.Fields{
		"plan_id":  plan.PlanID,
		"pack_id":  packID,
		"strategy": strategy,
		"creates":  plan.Totals.Creates,
		"updates":  plan.Totals.Updates,
		"disables": plan.Totals.Disables,
		"skips":    plan.Totals.Skips,
	}).Info("Deploy plan computed")
	return plan, nil
}

// Apply executes a pack's latest plan under the tenant's apply lock.
// A repeated Idempotency-Key replays the first result without touching
// any rules. Canary, when requested, records the staged rollout on the
// deployment for the control endpoint to drive.
func (e *Engine) Apply(ctx context.Context, packID, idempotencyKey string, canary *CanaryConfig) (*ApplyResult, error) {
	start := time.Now()
	if idempotencyKey == "" {
		e.count("apply", "rejected")
		return nil, ErrIdempotencyKey
	}

	plan, err := e.store.LatestPlanForPack(ctx, packID)
	if err != nil {
		e.count("apply", "error")
		return nil, err
	}

	if cached, err := e.idem.Get(ctx, plan.TenantID, idempotencyKey); err != nil {
		e.count("apply", "error")
		return nil, err
	} else if cached != nil {
		replay := *cached
		replay.Replayed = true
		e.count("apply", "replayed")
		return &replay, nil
	}

	canaryState, err := buildCanary(canary)
	if err != nil {
		e.count("apply", "rejected")
		return nil, err
	}

	lock, err := acquireLock(ctx, e.redis, plan.TenantID, e.cfg.LockTTL, e.cfg.LockWait)
	if err != nil {
		e.count("apply", "locked")
		return nil, err
	}
	defer lock.Release(ctx)

	// A concurrent apply with the same key may have completed while we
	// waited on the lock; the lock serializes, this deduplicates.
	if cached, err := e.idem.Get(ctx, plan.TenantID, idempotencyKey); err != nil {
		e.count("apply", "error")
		return nil, err
	} else if cached != nil {
		replay := *cached
		replay.Replayed = true
		e.count("apply", "replayed")
		return &replay, nil
	}

	guardrails := plan.Guardrails
	guardrails.HealthOK = e.healthOK(ctx)
	guardrails.LockOK = true
	guardrails.IdempotencyOK = true
	if !guardrails.Pass() {
		e.count("apply", "rejected")
		return nil, fmt.Errorf("%w: %s", ErrGuardrail, strings.Join(guardrails.Failed(), ", "))
	}

	deployID := uuid.New().String()
	if err := e.snapshotAffected(ctx, plan, deployID); err != nil {
		e.count("apply", "error")
		return nil, err
	}

	applied, skipped, err := e.applyEntries(ctx, plan, deployID)
	if err != nil {
		e.count("apply", "error")
		return nil, err
	}

	dep := &Deployment{
		DeployID:  deployID,
		PlanID:    plan.PlanID,
		TenantID:  plan.TenantID,
		Kind:      "apply",
		Status:    "applied",
		Applied:   applied,
		Skipped:   skipped,
		Canary:    canaryState,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.SaveDeployment(ctx, dep); err != nil {
		e.count("apply", "error")
		return nil, err
	}

	result := &ApplyResult{
		DeployID: deployID,
		PlanID:   plan.PlanID,
		Applied:  applied,
		Skipped:  skipped,
		Canary:   canaryState,
	}
	if err := e.idem.Put(ctx, plan.TenantID, idempotencyKey, result); err != nil {
		e.logger.WithError(err).Warn("Could not store idempotency entry; a retry would re-apply")
	}

	e.count("apply", "ok")
	e.observe("apply", time.Since(start))
	e.logger.WithFields(logrus.Fields{
		"deploy_id": deployID,
		"plan_id":   plan.PlanID,
		"tenant_id": plan.TenantID,
		"applied":   applied,
		"skipped":   skipped,
	}).Info("Rule pack applied")
	return result, nil
}

// snapshotAffected preserves the current body of every rule the plan
// will touch, so the deployment can be rolled back.
func (e *Engine) snapshotAffected(ctx context.Context, plan *Plan, deployID string) error {
	deployed, err := e.store.TenantRules(ctx, plan.TenantID)
	if err != nil {
		return err
	}
	current := make(map[string]*DetectionRule, len(deployed))
	for i := range deployed {
		current[deployed[i].RuleID] = &deployed[i]
	}

	var snaps []RuleSnapshot
	for _, entry := range plan.Entries {
		if entry.Action == ActionSkip {
			continue
		}
		snap := RuleSnapshot{DeployID: deployID, RuleID: entry.RuleID, Name: entry.Name}
		if rule, ok := current[entry.RuleID]; ok {
			snap.Name = rule.Name
			snap.Severity = rule.Severity
			snap.Body = rule.Body
			snap.Enabled = rule.Enabled
			snap.Existed = true
		}
		snaps = append(snaps, snap)
	}
	return e.store.SaveSnapshots(ctx, snaps)
}

// applyEntries executes the plan's mutations and writes the change log.
func (e *Engine) applyEntries(ctx context.Context, plan *Plan, deployID string) (applied, skipped int, err error) {
	now := time.Now().UTC()
	for _, entry := range plan.Entries {
		switch entry.Action {
		case ActionCreate, ActionUpdate:
			rule := &DetectionRule{
				RuleID:    entry.RuleID,
				TenantID:  plan.TenantID,
				Name:      entry.Name,
				Severity:  entry.Severity,
				Body:      entry.Body,
				Enabled:   true,
				UpdatedAt: now,
			}
			if err := e.store.UpsertRule(ctx, rule); err != nil {
				return applied, skipped, err
			}
			if err := e.store.LogChange(ctx, &ChangeLogEntry{
				DeployID: deployID,
				TenantID: plan.TenantID,
				RuleID:   entry.RuleID,
				Action:   entry.Action,
				NewHash:  ruleHash(entry.Body),
				At:       now,
			}); err != nil {
				return applied, skipped, err
			}
			applied++
		case ActionDisable:
			if err := e.store.DisableRule(ctx, plan.TenantID, entry.RuleID, now); err != nil {
				return applied, skipped, err
			}
			if err := e.store.LogChange(ctx, &ChangeLogEntry{
				DeployID: deployID,
				TenantID: plan.TenantID,
				RuleID:   entry.RuleID,
				Action:   ActionDisable,
				At:       now,
			}); err != nil {
				return applied, skipped, err
			}
			applied++
		default:
			skipped++
		}
	}
	return applied, skipped, nil
}

// Rollback reloads the snapshots of a prior deployment and writes them
// back, producing a new rollback deployment. Rules the original apply
// created are disabled; everything else is restored to its snapshot.
func (e *Engine) Rollback(ctx context.Context, deployID string) (*ApplyResult, error) {
	start := time.Now()
	original, err := e.store.GetDeployment(ctx, deployID)
	if err != nil {
		e.count("rollback", "error")
		return nil, err
	}
	snaps, err := e.store.GetSnapshots(ctx, deployID)
	if err != nil {
		e.count("rollback", "error")
		return nil, err
	}
	if len(snaps) == 0 {
		e.count("rollback", "rejected")
		return nil, ErrNoSnapshots
	}

	lock, err := acquireLock(ctx, e.redis, original.TenantID, e.cfg.LockTTL, e.cfg.LockWait)
	if err != nil {
		e.count("rollback", "locked")
		return nil, err
	}
	defer lock.Release(ctx)

	rollbackID := uuid.New().String()
	now := time.Now().UTC()
	applied := 0
	for _, snap := range snaps {
		if !snap.Existed {
			if err := e.store.DisableRule(ctx, original.TenantID, snap.RuleID, now); err != nil {
				e.count("rollback", "error")
				return nil, err
			}
			if err := e.store.LogChange(ctx, &ChangeLogEntry{
				DeployID: rollbackID,
				TenantID: original.TenantID,
				RuleID:   snap.RuleID,
				Action:   ActionDisable,
				At:       now,
			}); err != nil {
				e.count("rollback", "error")
				return nil, err
			}
			applied++
			continue
		}

		rule := &DetectionRule{
			RuleID:    snap.RuleID,
			TenantID:  original.TenantID,
			Name:      snap.Name,
			Severity:  snap.Severity,
			Body:      snap.Body,
			Enabled:   snap.Enabled,
			UpdatedAt: now,
		}
		if err := e.store.UpsertRule(ctx, rule); err != nil {
			e.count("rollback", "error")
			return nil, err
		}
		if err := e.store.LogChange(ctx, &ChangeLogEntry{
			DeployID: rollbackID,
			TenantID: original.TenantID,
			RuleID:   snap.RuleID,
			Action:   ActionUpdate,
			NewHash:  ruleHash(snap.Body),
			At:       now,
		}); err != nil {
			e.count("rollback", "error")
			return nil, err
		}
		applied++
	}

	dep := &Deployment{
		DeployID:   rollbackID,
		PlanID:     original.PlanID,
		TenantID:   original.TenantID,
		Kind:       "rollback",
		Status:     "applied",
		Applied:    applied,
		RolledBack: deployID,
		CreatedAt:  now,
	}
	if err := e.store.SaveDeployment(ctx, dep); err != nil {
		e.count("rollback", "error")
		return nil, err
	}

	e.count("rollback", "ok")
	e.observe("rollback", time.Since(start))
	e.logger.WithFields(logrus.Fields{
		"deploy_id":   rollbackID,
		"rolled_back": deployID,
		"restored":    applied,
	}).Info("Deployment rolled back")
	return &ApplyResult{DeployID: rollbackID, PlanID: original.PlanID, Applied: applied}, nil
}

// Canary drives a staged rollout: advance moves to the next stage (and
// completes at 100), pause holds the current stage, cancel aborts.
func (e *Engine) Canary(ctx context.Context, deployID, action string) (*CanaryState, error) {
	dep, err := e.store.GetDeployment(ctx, deployID)
	if err != nil {
		return nil, err
	}
	state := dep.Canary
	if state == nil {
		return nil, ErrCanaryNotActive
	}

	switch action {
	case "advance":
		if state.Status == CanaryCancelled || state.Status == CanaryComplete {
			return nil, ErrCanaryNotActive
		}
		state.Status = CanaryRunning
		if state.StageIndex < len(state.Stages)-1 {
			state.StageIndex++
		}
		if state.StageIndex == len(state.Stages)-1 {
			state.Status = CanaryComplete
		}
	case "pause":
		if state.Status != CanaryRunning {
			return nil, ErrCanaryNotActive
		}
		state.Status = CanaryPaused
	case "cancel":
		if state.Status == CanaryComplete || state.Status == CanaryCancelled {
			return nil, ErrCanaryNotActive
		}
		state.Status = CanaryCancelled
	default:
		return nil, ErrBadCanaryAction
	}

	if err := e.store.UpdateCanary(ctx, deployID, state); err != nil {
		return nil, err
	}
	e.count("canary", action)
	return state, nil
}

// buildCanary validates and normalizes a requested staged rollout:
// ascending stages ending at 100, interval at least 30 seconds.
func buildCanary(cfg *CanaryConfig) (*CanaryState, error) {
	if cfg == nil {
		return nil, nil
	}
	if cfg.IntervalSec < minCanaryInterval {
		return nil, fmt.Errorf("%w: interval_sec must be at least %d", ErrInvalidCanaryStage, minCanaryInterval)
	}
	if len(cfg.Stages) == 0 {
		return nil, fmt.Errorf("%w: at least one stage required", ErrInvalidCanaryStage)
	}
	stages := append([]int(nil), cfg.Stages...)
	if !sort.IntsAreSorted(stages) {
		return nil, fmt.Errorf("%w: stages must be ascending", ErrInvalidCanaryStage)
	}
	for _, s := range stages {
		if s <= 0 || s > 100 {
			return nil, fmt.Errorf("%w: stage %d out of range", ErrInvalidCanaryStage, s)
		}
	}
	if stages[len(stages)-1] != 100 {
		stages = append(stages, 100)
	}
	return &CanaryState{
		Stages:      stages,
		IntervalSec: cfg.IntervalSec,
		Status:      CanaryRunning,
	}, nil
}

func (e *Engine) healthOK(ctx context.Context) bool {
	if e.health == nil {
		return true
	}
	report := e.health.LastReport(ctx)
	return report.Overall == monitoring.StatusHealthy || report.Overall == monitoring.StatusDegraded
}

func ruleHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

func (e *Engine) count(phase, status string) {
	if e.metrics.Deploys != nil {
		e.metrics.Deploys.WithLabelValues(phase, status).Inc()
	}
}

func (e *Engine) observe(phase string, elapsed time.Duration) {
	if e.metrics.Duration != nil {
		e.metrics.Duration.WithLabelValues(phase).Observe(elapsed.Seconds())
	}
}
