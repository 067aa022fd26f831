package condition

import (
	"container/list"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/pkg/errors"
)

const (
	// TypeCEL is the discriminator for CEL expressions.
	TypeCEL = "cel"

	// DefaultCELCacheSize is the default maximum number of cached CEL programs.
	DefaultCELCacheSize = 500

	maxExpressionLength = 4096
)

// CELCompiler compiles boolean CEL expressions over the authorization
// context and caches the programs with LRU eviction.
type CELCompiler struct {
	env *cel.Env
	mu  sync.RWMutex

	programs map[string]*celCacheEntry
	order    *list.List
	capacity int
}

type celCacheEntry struct {
	program    cel.Program
	expression string
	element    *list.Element
}

// NewCELCompiler creates the CEL environment and program cache.
//
// Variables: principal, attributes, resource, action, ip, context, now.
// Functions: cidrMatch(ip, cidr).
func NewCELCompiler(capacity int) (*CELCompiler, error) {
	if capacity <= 0 {
		capacity = DefaultCELCacheSize
	}

	env, err := cel.NewEnv(
		cel.Variable("principal", cel.StringType),
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("resource", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now", cel.TimestampType),

		cel.Function("cidrMatch",
			cel.Overload("cidr_match_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(cidrMatchFunc),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &CELCompiler{
		env:      env,
		programs: make(map[string]*celCacheEntry),
		order:    list.New(),
		capacity: capacity,
	}, nil
}

// Compile compiles expression, returning a cached program when available.
func (c *CELCompiler) Compile(expression string) (cel.Program, error) {
	c.mu.Lock()
	if entry, ok := c.programs[expression]; ok {
		c.order.MoveToFront(entry.element)
		c.mu.Unlock()
		return entry.program, nil
	}
	c.mu.Unlock()

	if len(expression) > maxExpressionLength {
		return nil, fmt.Errorf("%w: expression too long: %d > %d", errors.ErrInvalidCondition, len(expression), maxExpressionLength)
	}

	ast, issues := c.env.Compile(expression)
	if issues.Err() != nil {
		return nil, fmt.Errorf("%w: CEL compilation error: %v", errors.ErrInvalidCondition, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: CEL expression must return boolean, got %v", errors.ErrInvalidCondition, ast.OutputType())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CEL program: %v", errors.ErrInvalidCondition, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.programs[expression]; ok {
		c.order.MoveToFront(entry.element)
		return entry.program, nil
	}
	for c.order.Len() >= c.capacity {
		c.evictOldest()
	}
	entry := &celCacheEntry{program: prg, expression: expression}
	entry.element = c.order.PushFront(entry)
	c.programs[expression] = entry

	return prg, nil
}

func (c *CELCompiler) evictOldest() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*celCacheEntry)
	delete(c.programs, entry.expression)
	c.order.Remove(oldest)
}

// CacheSize returns the number of cached programs.
func (c *CELCompiler) CacheSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

// Factory builds CEL conditions from {"expression": "..."}.
func (c *CELCompiler) Factory(params Params, opts Options) (Condition, error) {
	expr, err := params.String("expression")
	if err != nil {
		return nil, err
	}
	prg, err := c.Compile(expr)
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &CELCondition{expression: expr, program: prg, now: now}, nil
}

// CELCondition evaluates a compiled CEL program.
type CELCondition struct {
	expression string
	program    cel.Program
	now        func() time.Time
}

// Evaluate implements Condition.
func (c *CELCondition) Evaluate(actx *domain.AuthorizationContext) (bool, error) {
	if actx == nil {
		return false, fmt.Errorf("CEL evaluation: nil context")
	}
	out, _, err := c.program.Eval(celVars(actx, c.now()))
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression must return boolean, got %T", out.Value())
	}
	return result, nil
}

// Describe implements Condition.
func (c *CELCondition) Describe() string {
	return "CEL: " + c.expression
}

func celVars(actx *domain.AuthorizationContext, now time.Time) map[string]any {
	attrs := actx.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	facts := maps.Clone(actx.Additional)
	if facts == nil {
		facts = map[string]any{}
	}
	return map[string]any{
		"principal":  actx.PrincipalID,
		"attributes": attrs,
		"resource":   actx.Resource,
		"action":     actx.Action,
		"ip":         actx.IPAddress,
		"context":    facts,
		"now":        actx.TimeOr(now),
	}
}

func cidrMatchFunc(lhs, rhs ref.Val) ref.Val {
	ipStr, ok1 := lhs.Value().(string)
	cidrStr, ok2 := rhs.Value().(string)
	if !ok1 || !ok2 {
		return types.False
	}
	ip, ok := ParseClientIP(ipStr)
	if !ok {
		return types.False
	}
	prefix, err := parsePrefix(cidrStr)
	if err != nil {
		return types.False
	}
	return types.Bool(prefix.Contains(ip))
}
