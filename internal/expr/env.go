package expr

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Environment builds and compiles CEL programs that classify a subscription
// into a tier.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the CEL variables exposed to tier matchers:
// priceTier (first item's price tier name), priceTiers (every item), periodEndsAt
// and now (timestamps), and callerID.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("priceTier", cel.StringType),
		cel.Variable("priceTiers", cel.ListType(cel.StringType)),
		cel.Variable("periodEndsAt", cel.TimestampType),
		cel.Variable("now", cel.TimestampType),
		cel.Variable("callerID", cel.StringType),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Program wraps a compiled CEL program that yields a boolean result.
type Program struct {
	source  string
	program cel.Program
}

// Compile prepares the program for execution, ensuring the expression yields a boolean.
func (e *Environment) Compile(expression string) (Program, error) {
	src := strings.TrimSpace(expression)
	if src == "" {
		return Program{}, fmt.Errorf("expr: expression required")
	}
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("expr: compile %q: %w", src, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return Program{}, fmt.Errorf("expr: %q must return bool, got %s", src, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("expr: program %q: %w", src, err)
	}
	return Program{source: src, program: program}, nil
}

// Source returns the original CEL expression for logging.
func (p Program) Source() string { return p.source }

// Vars is the activation for a tier matcher.
type Vars struct {
	PriceTier    string
	PriceTiers   []string
	PeriodEndsAt time.Time
	Now          time.Time
	CallerID     string
}

func (v Vars) activation() map[string]any {
	tiers := v.PriceTiers
	if tiers == nil {
		tiers = []string{}
	}
	return map[string]any{
		"priceTier":    v.PriceTier,
		"priceTiers":   tiers,
		"periodEndsAt": v.PeriodEndsAt.UTC(),
		"now":          v.Now.UTC(),
		"callerID":     v.CallerID,
	}
}

// EvalBool executes the program against vars and coerces the result to bool.
func (p Program) EvalBool(vars Vars) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("expr: program not initialized")
	}
	val, _, err := p.program.Eval(vars.activation())
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if v.Type() == types.BoolType {
			if b, ok := v.Value().(bool); ok {
				return b, nil
			}
		}
	}
	return false, fmt.Errorf("expr: %q yielded non-bool result %T", p.source, val)
}
