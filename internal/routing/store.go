package routing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// RuleStore serves rule configuration. RulesForTeam returns rules scoped to
// the team plus global rules, sorted ascending by priority then id.
type RuleStore interface {
	RulesForTeam(ctx context.Context, teamID string) ([]Rule, error)
	Get(ctx context.Context, id string) (Rule, error)
	Put(ctx context.Context, r Rule) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

func NewMemoryStore(rules ...Rule) *MemoryStore {
	s := &MemoryStore{rules: make(map[string]Rule)}
	for _, r := range rules {
		s.rules[r.ID] = r
	}
	return s
}

func (s *MemoryStore) RulesForTeam(_ context.Context, teamID string) ([]Rule, error) {
	s.mu.RLock()
	var out []Rule
	for _, r := range s.rules {
		if r.TeamID == "" || r.TeamID == teamID {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	SortRules(out)
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return Rule{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) Put(_ context.Context, r Rule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	s.mu.Lock()
	s.rules[r.ID] = r
	s.mu.Unlock()
	return nil
}

// SortRules orders rules ascending by priority, ties broken by id.
func SortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

var ErrInvalidRule = errors.New("routing: invalid rule")

func validateRule(r Rule) error {
	var errs []error
	if r.ID == "" {
		errs = append(errs, errors.New("id required"))
	}
	if !knownStrategies[r.Strategy] {
		errs = append(errs, fmt.Errorf("unknown strategy %q", r.Strategy))
	}
	if r.Logic != "" && r.Logic != LogicAnd && r.Logic != LogicOr {
		errs = append(errs, fmt.Errorf("unknown logic %q", r.Logic))
	}
	if r.BusinessHours != nil {
		if err := r.BusinessHours.validate(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range r.Conditions {
		if err := validateCondition(c); err != nil {
			errs = append(errs, err)
		}
	}
	for i, t := range r.Targets {
		if t.Ref == "" {
			errs = append(errs, fmt.Errorf("target %d: ref required", i))
		}
		switch t.Type {
		case TargetAgent, TargetTeam, TargetQueue, TargetVoicemail, TargetExternal, TargetIVR:
		default:
			errs = append(errs, fmt.Errorf("target %d: unknown type %q", i, t.Type))
		}
		for _, c := range t.Condition {
			if err := validateCondition(c); err != nil {
				errs = append(errs, fmt.Errorf("target %d: %w", i, err))
			}
		}
	}
	if r.FallbackRuleID == r.ID && r.ID != "" {
		errs = append(errs, errors.New("fallback_rule_id references itself"))
	}
	if a := r.FallbackAction; a != nil {
		switch a.Type {
		case TargetVoicemail, TargetIVR, TargetQueue:
		default:
			errs = append(errs, fmt.Errorf("fallback_action: unsupported type %q", a.Type))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w %q: %w", ErrInvalidRule, r.ID, errors.Join(errs...))
	}
	return nil
}

// ValidateRules checks every rule and that fallback references resolve.
func ValidateRules(rules []Rule) error {
	ids := make(map[string]bool, len(rules))
	var errs []error
	for _, r := range rules {
		if ids[r.ID] {
			errs = append(errs, fmt.Errorf("%w: duplicate id %q", ErrInvalidRule, r.ID))
		}
		ids[r.ID] = true
		if err := validateRule(r); err != nil {
			errs = append(errs, err)
		}
	}
	for _, r := range rules {
		if r.FallbackRuleID != "" && !ids[r.FallbackRuleID] {
			errs = append(errs, fmt.Errorf("%w %q: fallback_rule_id %q not found", ErrInvalidRule, r.ID, r.FallbackRuleID))
		}
	}
	return errors.Join(errs...)
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRulesFile reads and validates a YAML rules file.
func LoadRulesFile(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRules(raw)
}

func ParseRules(raw []byte) ([]Rule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("routing: parse rules: %w", err)
	}
	if err := ValidateRules(f.Rules); err != nil {
		return nil, err
	}
	SortRules(f.Rules)
	return f.Rules, nil
}
