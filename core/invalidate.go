package core

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InvalidationRule reacts to an event type by removing cache keys
// matching its patterns. Patterns support {var} substitution from the
// event data; an optional condition gates the rule; an optional delay
// defers the removal.
type InvalidationRule struct {
	EventType string        `yaml:"event_type" json:"eventType"`
	Patterns  []string      `yaml:"patterns" json:"patterns"`
	Caches    []string      `yaml:"caches" json:"caches,omitempty"` // empty = broadcast
	Condition string        `yaml:"condition" json:"condition,omitempty"`
	Delay     time.Duration `yaml:"delay" json:"delay,omitempty"`
	Async     bool          `yaml:"async" json:"async"`
}

// Invalidator matches registered rules against published events and
// drives pattern removal on the cache layer.
type Invalidator struct {
	bus    *EventBus
	caches *CacheManager
	mu     sync.RWMutex
	rules  map[string][]InvalidationRule
	log    *zap.SugaredLogger
}

// NewInvalidator registers the engine against the bus. Rules are added
// with AddRule.
func NewInvalidator(bus *EventBus, caches *CacheManager, log *zap.SugaredLogger) *Invalidator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Invalidator{
		bus:    bus,
		caches: caches,
		rules:  make(map[string][]InvalidationRule),
		log:    log,
	}
}

// AddRule registers a rule. The first rule of an event type subscribes
// the invalidator to that type on the bus.
func (inv *Invalidator) AddRule(rule InvalidationRule) error {
	if rule.EventType == "" {
		return NewError(CodeConfigInvalid, "invalidation rule needs an event_type")
	}
	if len(rule.Patterns) == 0 {
		return NewError(CodeConfigInvalid, "invalidation rule for %q needs at least one pattern", rule.EventType)
	}
	if rule.Condition != "" {
		if _, _, _, err := splitCondition(rule.Condition); err != nil {
			return NewError(CodeConfigInvalid, "invalidation rule for %q: %s", rule.EventType, err)
		}
	}

	inv.mu.Lock()
	first := len(inv.rules[rule.EventType]) == 0
	inv.rules[rule.EventType] = append(inv.rules[rule.EventType], rule)
	inv.mu.Unlock()

	if first {
		inv.bus.Subscribe(rule.EventType, inv.handle)
	}
	return nil
}

// Rules returns all registered rules.
func (inv *Invalidator) Rules() []InvalidationRule {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	var out []InvalidationRule
	for _, rs := range inv.rules {
		out = append(out, rs...)
	}
	return out
}

func (inv *Invalidator) handle(e Event) {
	inv.mu.RLock()
	rules := append([]InvalidationRule{}, inv.rules[e.Type]...)
	inv.mu.RUnlock()

	for _, rule := range rules {
		if !EvalCondition(rule.Condition, e.Data) {
			continue
		}
		rule := rule
		job := func() {
			removed := 0
			for _, pattern := range rule.Patterns {
				p := substituteVars(pattern, e.Data)
				if len(rule.Caches) == 0 {
					removed += inv.caches.RemovePatternAll(p)
				} else {
					for _, cache := range rule.Caches {
						removed += inv.caches.RemovePattern(cache, p)
					}
				}
			}
			if removed > 0 {
				inv.log.Debugf("event %s: invalidated %d cache entries", e.Type, removed)
			}
		}

		switch {
		case rule.Delay > 0:
			inv.bus.Schedule(rule.Delay, job)
		case rule.Async:
			inv.bus.Submit(job)
		default:
			job()
		}
	}
}

// substituteVars replaces {var} placeholders with values from the event
// data. Unknown placeholders are left intact.
func substituteVars(pattern string, data map[string]interface{}) string {
	var b strings.Builder
	for {
		open := strings.IndexByte(pattern, '{')
		if open < 0 {
			b.WriteString(pattern)
			break
		}
		end := strings.IndexByte(pattern[open:], '}')
		if end < 0 {
			b.WriteString(pattern)
			break
		}
		end += open
		b.WriteString(pattern[:open])
		name := pattern[open+1 : end]
		if v, ok := data[name]; ok {
			b.WriteString(fmt.Sprint(v))
		} else {
			b.WriteString(pattern[open : end+1])
		}
		pattern = pattern[end+1:]
	}
	return b.String()
}

var conditionOps = []string{"!=", "<=", ">=", "=", "<", ">"}

// splitCondition parses `lhs OP rhs`, trying two-character operators
// before single-character ones.
func splitCondition(cond string) (lhs, op, rhs string, err error) {
	for _, candidate := range conditionOps {
		if idx := strings.Index(cond, candidate); idx > 0 {
			lhs = strings.TrimSpace(cond[:idx])
			rhs = strings.TrimSpace(cond[idx+len(candidate):])
			return lhs, candidate, rhs, nil
		}
	}
	return "", "", "", fmt.Errorf("condition %q is not of the form 'lhs OP rhs'", cond)
}

// EvalCondition evaluates a rule condition against the event data map.
// An empty or blank condition is true. The left side is an identifier
// looked up in the data; the right side is a literal or a
// ${event.<key>} substitution. Numbers compare numerically when both
// sides parse; strings compare case-insensitively after trimming; an
// absent value equals the literal null.
func EvalCondition(cond string, data map[string]interface{}) bool {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true
	}
	lhs, op, rhs, err := splitCondition(cond)
	if err != nil {
		return false
	}

	left, leftOK := data[lhs]
	if !leftOK {
		left = nil
	}

	var right interface{}
	if strings.HasPrefix(rhs, "${event.") && strings.HasSuffix(rhs, "}") {
		key := rhs[len("${event.") : len(rhs)-1]
		right = data[key]
	} else {
		rhs = strings.Trim(rhs, `"'`)
		if strings.EqualFold(rhs, "null") {
			right = nil
		} else {
			right = rhs
		}
	}

	return compareValues(left, right, op)
}

func compareValues(left, right interface{}, op string) bool {
	if left == nil || right == nil {
		switch op {
		case "=":
			return left == nil && right == nil
		case "!=":
			return (left == nil) != (right == nil)
		default:
			return false
		}
	}

	ls, rs := fmt.Sprint(left), fmt.Sprint(right)
	lf, lerr := strconv.ParseFloat(strings.TrimSpace(ls), 64)
	rf, rerr := strconv.ParseFloat(strings.TrimSpace(rs), 64)
	if lerr == nil && rerr == nil {
		switch op {
		case "=":
			return lf == rf
		case "!=":
			return lf != rf
		case "<":
			return lf < rf
		case "<=":
			return lf <= rf
		case ">":
			return lf > rf
		case ">=":
			return lf >= rf
		}
		return false
	}

	ls = strings.ToLower(strings.TrimSpace(ls))
	rs = strings.ToLower(strings.TrimSpace(rs))
	switch op {
	case "=":
		return ls == rs
	case "!=":
		return ls != rs
	case "<":
		return ls < rs
	case "<=":
		return ls <= rs
	case ">":
		return ls > rs
	case ">=":
		return ls >= rs
	}
	return false
}
