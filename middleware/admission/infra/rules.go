package infra

import (
	"fmt"
	"math"
	"time"

	"admission-gateway/middleware/admission/domain"
)

// ruleIndex é a forma compilada (validada, com defaults e indexada por recurso)
// de domain.Rules. É imutável: a facility troca o ponteiro inteiro ao recarregar.
type ruleIndex struct {
	raw         domain.Rules
	flow        map[string]domain.FlowRule
	quota       map[string]domain.QuotaRule
	concurrency map[string]domain.ConcurrencyRule
	circuit     map[string]domain.CircuitRule
	authority   map[string]authorityRule
	system      domain.SystemRule
}

type authorityRule struct {
	white   bool
	origins map[string]struct{}
}

func (r authorityRule) allows(origin string) bool {
	_, listed := r.origins[origin]
	return listed == r.white
}

func invalid(kind, resource, format string, args ...any) error {
	return fmt.Errorf("%w: %s rule %q: %s", domain.ErrInvalidRule, kind, resource, fmt.Sprintf(format, args...))
}

func compileRules(rules domain.Rules) (*ruleIndex, error) {
	idx := &ruleIndex{
		raw:         rules,
		flow:        make(map[string]domain.FlowRule, len(rules.Flow)),
		quota:       make(map[string]domain.QuotaRule, len(rules.Quota)),
		concurrency: make(map[string]domain.ConcurrencyRule, len(rules.Concurrency)),
		circuit:     make(map[string]domain.CircuitRule, len(rules.Circuit)),
		authority:   make(map[string]authorityRule, len(rules.Authority)),
	}

	for _, r := range rules.Flow {
		if r.Resource == "" {
			return nil, invalid("flow", r.Resource, "resource is required")
		}
		if _, dup := idx.flow[r.Resource]; dup {
			return nil, invalid("flow", r.Resource, "duplicated resource")
		}
		if r.QPS <= 0 {
			return nil, invalid("flow", r.Resource, "qps must be > 0")
		}
		if r.Burst < 0 {
			return nil, invalid("flow", r.Resource, "burst must be >= 0")
		}
		if r.Burst == 0 {
			r.Burst = max(1, int(math.Ceil(r.QPS)))
		}
		idx.flow[r.Resource] = r
	}

	for _, r := range rules.Quota {
		if r.Resource == "" {
			return nil, invalid("quota", r.Resource, "resource is required")
		}
		if _, dup := idx.quota[r.Resource]; dup {
			return nil, invalid("quota", r.Resource, "duplicated resource")
		}
		if r.Limit <= 0 {
			return nil, invalid("quota", r.Resource, "limit must be > 0")
		}
		if r.Burst < 0 || r.Period < 0 {
			return nil, invalid("quota", r.Resource, "burst and period must be >= 0")
		}
		if r.Burst == 0 {
			r.Burst = r.Limit
		}
		if r.Period == 0 {
			r.Period = time.Second
		}
		idx.quota[r.Resource] = r
	}

	for _, r := range rules.Concurrency {
		if r.Resource == "" {
			return nil, invalid("concurrency", r.Resource, "resource is required")
		}
		if _, dup := idx.concurrency[r.Resource]; dup {
			return nil, invalid("concurrency", r.Resource, "duplicated resource")
		}
		if r.MaxConcurrency <= 0 {
			return nil, invalid("concurrency", r.Resource, "max_concurrency must be > 0")
		}
		idx.concurrency[r.Resource] = r
	}

	for _, r := range rules.Circuit {
		if r.Resource == "" {
			return nil, invalid("circuit", r.Resource, "resource is required")
		}
		if _, dup := idx.circuit[r.Resource]; dup {
			return nil, invalid("circuit", r.Resource, "duplicated resource")
		}
		if r.FailureRatio < 0 || r.FailureRatio > 1 {
			return nil, invalid("circuit", r.Resource, "failure_ratio must be within [0, 1]")
		}
		if r.ConsecutiveFailures == 0 && r.FailureRatio == 0 {
			return nil, invalid("circuit", r.Resource, "consecutive_failures or failure_ratio is required")
		}
		if r.Timeout < 0 || r.Interval < 0 {
			return nil, invalid("circuit", r.Resource, "timeout and interval must be >= 0")
		}
		if r.Timeout == 0 {
			r.Timeout = 60 * time.Second
		}
		if r.HalfOpenRequests == 0 {
			r.HalfOpenRequests = 1
		}
		if r.MinRequests == 0 {
			r.MinRequests = 1
		}
		idx.circuit[r.Resource] = r
	}

	for _, r := range rules.Authority {
		if r.Resource == "" {
			return nil, invalid("authority", r.Resource, "resource is required")
		}
		if _, dup := idx.authority[r.Resource]; dup {
			return nil, invalid("authority", r.Resource, "duplicated resource")
		}
		var white bool
		switch r.Strategy {
		case "", domain.AuthorityWhite:
			white = true
		case domain.AuthorityBlack:
		default:
			return nil, invalid("authority", r.Resource, "unknown strategy %q", r.Strategy)
		}
		if len(r.Origins) == 0 {
			return nil, invalid("authority", r.Resource, "origins is required")
		}
		ar := authorityRule{white: white, origins: make(map[string]struct{}, len(r.Origins))}
		for _, o := range r.Origins {
			ar.origins[o] = struct{}{}
		}
		idx.authority[r.Resource] = ar
	}

	if rules.System.MaxConcurrency < 0 {
		return nil, fmt.Errorf("%w: system rule: max_concurrency must be >= 0", domain.ErrInvalidRule)
	}
	idx.system = rules.System

	return idx, nil
}

// ValidateRules valida as regras sem carregá-las.
func ValidateRules(rules domain.Rules) error {
	_, err := compileRules(rules)
	return err
}
