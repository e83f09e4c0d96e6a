package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/cache"
	"github.com/pesio-ai/be-plt-approvals/internal/condition"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// defaultPriority is applied to rules whose priority was never set.
const defaultPriority = 100

// maxHierarchyDepth bounds the org-unit parent walk. The tree is
// parent-pointer records with no schema-level acyclicity guarantee.
const maxHierarchyDepth = 32

// Directory is the principal-directory contract the strategies expand
// against. Implemented by repository.DirectoryRepository.
type Directory interface {
	PrincipalsWithRole(ctx context.Context, tenantID, role, orgUnitID string) ([]string, error)
	GroupMembers(ctx context.Context, tenantID, groupID string) ([]string, error)
	PrincipalsInUnit(ctx context.Context, tenantID, orgUnitID string) ([]string, error)
	PrincipalsWithMetadata(ctx context.Context, tenantID, key string, value any) ([]string, error)
	GetPrincipal(ctx context.Context, tenantID, id string) (*repository.Principal, error)
	GetOrgUnit(ctx context.Context, tenantID, id string) (*repository.OrgUnit, error)
}

// Assignee is one resolved approver.
type Assignee struct {
	ID   string `json:"id"`
	Type string `json:"type"` // principal | group
}

// Resolution is the outcome of a rule walk: the winning rule and its
// expanded assignees. A nil Resolution with nil error means no rule produced
// any assignee, which is distinct from "template has no rules".
type Resolution struct {
	RuleID    string
	Strategy  string
	AssignTo  repository.AssignmentTarget
	Assignees []Assignee
}

// Resolver expands routing rules into concrete approvers.
type Resolver struct {
	directory Directory
	cache     cache.Cache
	cacheTTL  time.Duration
	log       *logger.Logger
}

// New creates a Resolver. cache may be nil to disable expansion caching.
func New(directory Directory, c cache.Cache, cacheTTL time.Duration, log *logger.Logger) *Resolver {
	if cacheTTL <= 0 {
		cacheTTL = 300 * time.Second
	}
	return &Resolver{directory: directory, cache: c, cacheTTL: cacheTTL, log: log}
}

// Resolve walks rules in priority order (ascending, ties in input order) and
// returns the first rule whose conditions match and whose target expands to
// at least one assignee. Rules with an empty condition group match
// unconditionally. Returns nil when no rule yields assignees.
//
// requesterID seeds the hierarchy strategy's parent-chain walk.
func (r *Resolver) Resolve(
	ctx context.Context,
	tenantID string,
	rules []*repository.TemplateRule,
	evalCtx map[string]any,
	requesterID string,
) (*Resolution, error) {
	ordered := make([]*repository.TemplateRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return normalizePriority(ordered[i].Priority) < normalizePriority(ordered[j].Priority)
	})

	for _, rule := range ordered {
		if !rule.Conditions.IsEmpty() && !condition.Evaluate(rule.Conditions, evalCtx) {
			continue
		}

		assignees, err := r.expand(ctx, tenantID, rule.AssignTo, requesterID)
		if err != nil {
			return nil, err
		}
		if len(assignees) == 0 {
			continue
		}

		return &Resolution{
			RuleID:    rule.ID,
			Strategy:  effectiveStrategy(rule.AssignTo.Strategy),
			AssignTo:  rule.AssignTo,
			Assignees: assignees,
		}, nil
	}
	return nil, nil
}

// effectiveStrategy maps unknown strategies onto direct.
func effectiveStrategy(strategy string) string {
	switch strategy {
	case repository.StrategyRole, repository.StrategyGroup, repository.StrategyHierarchy,
		repository.StrategyDepartment, repository.StrategyCustomField, repository.StrategyDirect:
		return strategy
	}
	return repository.StrategyDirect
}

func normalizePriority(p int) int {
	if p <= 0 {
		return defaultPriority
	}
	return p
}

// expand resolves one assignment target into assignees.
func (r *Resolver) expand(ctx context.Context, tenantID string, target repository.AssignmentTarget, requesterID string) ([]Assignee, error) {
	switch effectiveStrategy(target.Strategy) {
	case repository.StrategyDirect:
		return expandDirect(target), nil

	case repository.StrategyRole:
		key := fmt.Sprintf("role:%s:%s", target.Role, target.OrgUnitID)
		return r.cached(ctx, tenantID, repository.StrategyRole, key, func() ([]string, error) {
			return r.directory.PrincipalsWithRole(ctx, tenantID, target.Role, target.OrgUnitID)
		})

	case repository.StrategyGroup:
		return r.cached(ctx, tenantID, repository.StrategyGroup, target.GroupID, func() ([]string, error) {
			return r.directory.GroupMembers(ctx, tenantID, target.GroupID)
		})

	case repository.StrategyHierarchy:
		key := fmt.Sprintf("%s:%d", requesterID, target.SkipLevels)
		return r.cached(ctx, tenantID, repository.StrategyHierarchy, key, func() ([]string, error) {
			return r.expandHierarchy(ctx, tenantID, requesterID, target.SkipLevels)
		})

	case repository.StrategyDepartment:
		return r.cached(ctx, tenantID, repository.StrategyDepartment, target.OrgUnitID, func() ([]string, error) {
			return r.directory.PrincipalsInUnit(ctx, tenantID, target.OrgUnitID)
		})

	case repository.StrategyCustomField:
		key := fmt.Sprintf("%s:%v", target.FieldKey, target.FieldValue)
		return r.cached(ctx, tenantID, repository.StrategyCustomField, key, func() ([]string, error) {
			return r.directory.PrincipalsWithMetadata(ctx, tenantID, target.FieldKey, target.FieldValue)
		})
	}
	return nil, nil
}

// expandDirect supports both the assignees array and the legacy single
// principal_id form.
func expandDirect(target repository.AssignmentTarget) []Assignee {
	var out []Assignee
	for _, id := range target.Assignees {
		if id != "" {
			out = append(out, Assignee{ID: id, Type: repository.ApproverPrincipal})
		}
	}
	if len(out) == 0 && target.PrincipalID != "" {
		out = append(out, Assignee{ID: target.PrincipalID, Type: repository.ApproverPrincipal})
	}
	return out
}

// expandHierarchy walks the requester's org-unit parent chain skipLevels hops
// up and returns the principals attached to that ancestor. Shorter chains
// resolve to nothing; visited tracking plus a depth cap guard against cycles.
func (r *Resolver) expandHierarchy(ctx context.Context, tenantID, requesterID string, skipLevels int) ([]string, error) {
	if requesterID == "" {
		return nil, nil
	}
	principal, err := r.directory.GetPrincipal(ctx, tenantID, requesterID)
	if err != nil {
		return nil, err
	}
	if principal.OrgUnitID == nil {
		return nil, nil
	}

	if skipLevels < 1 {
		skipLevels = 1
	}
	if skipLevels > maxHierarchyDepth {
		skipLevels = maxHierarchyDepth
	}

	visited := map[string]bool{}
	currentID := *principal.OrgUnitID
	for hop := 0; hop < skipLevels; hop++ {
		if visited[currentID] {
			r.log.Warn().
				Str("tenant_id", tenantID).
				Str("org_unit_id", currentID).
				Msg("resolver: org unit parent chain contains a cycle")
			return nil, nil
		}
		visited[currentID] = true

		unit, err := r.directory.GetOrgUnit(ctx, tenantID, currentID)
		if err != nil {
			return nil, err
		}
		if unit.ParentID == nil {
			// Chain shorter than skipLevels: no ancestor to collect from.
			return nil, nil
		}
		currentID = *unit.ParentID
	}

	return r.directory.PrincipalsInUnit(ctx, tenantID, currentID)
}

// cached wraps a directory expansion with the TTL cache. Cache failures are
// swallowed and logged; the expansion then runs uncached.
func (r *Resolver) cached(ctx context.Context, tenantID, strategy, key string, fetch func() ([]string, error)) ([]Assignee, error) {
	cacheKey := fmt.Sprintf("resolver:%s:%s:%s", tenantID, strategy, key)

	if r.cache != nil {
		val, hit, err := r.cache.Get(ctx, cacheKey)
		if err != nil {
			r.log.Debug().Err(err).Str("key", cacheKey).Msg("resolver: cache get failed, bypassing")
		} else if hit {
			var ids []string
			if err := json.Unmarshal([]byte(val), &ids); err == nil {
				return toAssignees(ids), nil
			}
		}
	}

	ids, err := fetch()
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if data, err := json.Marshal(ids); err == nil {
			if err := r.cache.Set(ctx, cacheKey, string(data), r.cacheTTL); err != nil {
				r.log.Debug().Err(err).Str("key", cacheKey).Msg("resolver: cache set failed")
			}
		}
	}
	return toAssignees(ids), nil
}

func toAssignees(ids []string) []Assignee {
	var out []Assignee
	for _, id := range ids {
		out = append(out, Assignee{ID: id, Type: repository.ApproverPrincipal})
	}
	return out
}
