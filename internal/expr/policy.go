package expr

import (
	"fmt"
	"net/url"
	"strings"
)

// SourcePolicy is a conjunction of CEL expressions every source URL must
// satisfy.
type SourcePolicy struct {
	programs []Program
}

// Caller is the identity view exposed to policies as `identity`.
type Caller struct {
	Key        string
	Privileged bool
}

// NewSourcePolicy compiles expressions. An empty list allows everything.
func NewSourcePolicy(env *Environment, expressions []string) (*SourcePolicy, error) {
	policy := &SourcePolicy{}
	for i, expression := range expressions {
		if strings.TrimSpace(expression) == "" {
			continue
		}
		program, err := env.Compile(expression)
		if err != nil {
			return nil, fmt.Errorf("expr: policy.sources[%d]: %w", i, err)
		}
		policy.programs = append(policy.programs, program)
	}
	return policy, nil
}

// Len reports the number of compiled expressions.
func (p *SourcePolicy) Len() int {
	if p == nil {
		return 0
	}
	return len(p.programs)
}

// Allows evaluates every expression in order and returns the source of the
// first one that rejects the URL.
func (p *SourcePolicy) Allows(target *url.URL, caller Caller) (bool, string, error) {
	if p.Len() == 0 {
		return true, "", nil
	}
	vars := Activation(target, caller)
	for _, program := range p.programs {
		ok, err := program.EvalBool(vars)
		if err != nil {
			return false, program.Source(), err
		}
		if !ok {
			return false, program.Source(), nil
		}
	}
	return true, "", nil
}

// Activation builds the CEL variables for a source URL and caller.
func Activation(target *url.URL, caller Caller) map[string]any {
	query := make(map[string]any)
	urlVars := map[string]any{"scheme": "", "host": "", "path": "", "query": query}
	if target != nil {
		for name, values := range target.Query() {
			if len(values) > 0 {
				query[name] = values[0]
			}
		}
		urlVars["scheme"] = target.Scheme
		urlVars["host"] = strings.ToLower(target.Hostname())
		urlVars["path"] = target.Path
	}
	return map[string]any{
		"url": urlVars,
		"identity": map[string]any{
			"key":        caller.Key,
			"privileged": caller.Privileged,
		},
	}
}
