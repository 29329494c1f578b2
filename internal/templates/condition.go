package templates

import (
	"fmt"
	"strings"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
)

// ConditionEnv is what a `when` expression can see.
type ConditionEnv struct {
	Variant    string `expr:"variant"`
	PeriodType string `expr:"periodType"`
}

type Condition struct {
	expression string
	program    *exprvm.Program
}

func CompileCondition(expression string) (*Condition, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("condition must not be empty")
	}
	program, err := exprlang.Compile(expression, exprlang.Env(ConditionEnv{}), exprlang.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	return &Condition{expression: expression, program: program}, nil
}

func (c *Condition) Eval(env ConditionEnv) (bool, error) {
	result, err := exprlang.Run(c.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", c.expression, err)
	}
	ok, _ := result.(bool)
	return ok, nil
}

// Includes reports whether item applies to variant. Items without a
// condition always apply.
func (item ItemTemplate) Includes(variant Variant) (bool, error) {
	if strings.TrimSpace(item.When) == "" {
		return true, nil
	}
	cond, err := CompileCondition(item.When)
	if err != nil {
		return false, err
	}
	return cond.Eval(ConditionEnv{Variant: variant.Key, PeriodType: variant.PeriodType})
}
