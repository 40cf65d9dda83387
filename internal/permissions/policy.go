package permissions

import (
	"strings"

	"github.com/google/cel-go/cel"
)

// policy is an optional CEL expression granting append access beyond the
// stored table, e.g. `user_id.endsWith("@lab.org") && feed_id != "audit"`.
type policy struct {
	prog    cel.Program
	enabled bool
}

type policyInput struct {
	UserID      string
	FeedID      string
	SubfeedHash string
	Admin       bool
}

func compilePolicy(expr string) (policy, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return policy{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("user_id", cel.StringType),
		cel.Variable("feed_id", cel.StringType),
		cel.Variable("subfeed_hash", cel.StringType),
		cel.Variable("admin", cel.BoolType),
	)
	if err != nil {
		return policy{}, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return policy{}, iss.Err()
	}
	prog, err := env.Program(ast)
	if err != nil {
		return policy{}, err
	}
	return policy{prog: prog, enabled: true}, nil
}

// allows evaluates the policy; a disabled policy or a failed evaluation
// denies.
func (p policy) allows(in policyInput) bool {
	if !p.enabled {
		return false
	}
	out, _, err := p.prog.Eval(map[string]any{
		"user_id":      in.UserID,
		"feed_id":      in.FeedID,
		"subfeed_hash": in.SubfeedHash,
		"admin":        in.Admin,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
