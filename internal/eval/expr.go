package eval

import (
	"provlog/internal/ff"
	"provlog/internal/rules"
	"provlog/internal/value"
)

// evalExpr evaluates a scalar expression under the bindings. Arithmetic on
// mixed int and float promotes to float; division and modulo by zero drop
// the derivation via an error.
func evalExpr(e rules.Expr, env bindings, ffs *ff.Table) (value.Value, error) {
	switch x := e.(type) {
	case rules.Const:
		return x.Val, nil
	case rules.Var:
		v, bound := env[x.Name]
		if !bound {
			return value.Value{}, errf("variable %s is unbound", x.Name)
		}
		return v, nil
	case rules.Call:
		args := make([]value.Value, len(x.Args))
		for i, a := range x.Args {
			v, err := evalExpr(a, env, ffs)
			if err != nil {
				return value.Value{}, err
			}
			args[i] = v
		}
		return ffs.Invoke(x.Name, args)
	case rules.Binary:
		l, err := evalExpr(x.L, env, ffs)
		if err != nil {
			return value.Value{}, err
		}
		r, err := evalExpr(x.R, env, ffs)
		if err != nil {
			return value.Value{}, err
		}
		return evalArith(x.Op, l, r)
	}
	return value.Value{}, errf("unsupported expression %s", e)
}

func evalArith(op rules.ArithOp, l, r value.Value) (value.Value, error) {
	if op == rules.OpAdd && l.Kind == value.KindString && r.Kind == value.KindString {
		return value.String(l.Str + r.Str), nil
	}

	if l.Kind == value.KindInt && r.Kind == value.KindInt {
		switch op {
		case rules.OpAdd:
			return value.Int(l.Int + r.Int), nil
		case rules.OpSub:
			return value.Int(l.Int - r.Int), nil
		case rules.OpMul:
			return value.Int(l.Int * r.Int), nil
		case rules.OpDiv:
			if r.Int == 0 {
				return value.Value{}, errf("division by zero")
			}
			return value.Int(l.Int / r.Int), nil
		case rules.OpMod:
			if r.Int == 0 {
				return value.Value{}, errf("modulo by zero")
			}
			return value.Int(l.Int % r.Int), nil
		}
	}

	lf, lok := asFloat(l)
	rf, rok := asFloat(r)
	if !lok || !rok {
		return value.Value{}, errf("cannot apply %s to %s and %s", op, l.Kind, r.Kind)
	}
	switch op {
	case rules.OpAdd:
		return value.Float(lf + rf), nil
	case rules.OpSub:
		return value.Float(lf - rf), nil
	case rules.OpMul:
		return value.Float(lf * rf), nil
	case rules.OpDiv:
		if rf == 0 {
			return value.Value{}, errf("division by zero")
		}
		return value.Float(lf / rf), nil
	}
	return value.Value{}, errf("cannot apply %s to %s and %s", op, l.Kind, r.Kind)
}

func asFloat(v value.Value) (float64, bool) {
	switch v.Kind {
	case value.KindInt:
		return float64(v.Int), true
	case value.KindFloat:
		return v.Float, true
	}
	return 0, false
}

// evalConstraint evaluates a comparison. Mixed numeric kinds compare as
// floats; other kinds must match exactly.
func evalConstraint(c *rules.Constraint, env bindings, ffs *ff.Table) (bool, error) {
	l, err := evalExpr(c.L, env, ffs)
	if err != nil {
		return false, err
	}
	r, err := evalExpr(c.R, env, ffs)
	if err != nil {
		return false, err
	}

	var cmp int
	if l.Kind != r.Kind {
		lf, lok := asFloat(l)
		rf, rok := asFloat(r)
		if !lok || !rok {
			return false, errf("cannot compare %s with %s", l.Kind, r.Kind)
		}
		switch {
		case lf < rf:
			cmp = -1
		case lf > rf:
			cmp = 1
		}
	} else {
		cmp = l.Compare(r)
	}

	switch c.Op {
	case rules.CmpEq:
		return cmp == 0, nil
	case rules.CmpNe:
		return cmp != 0, nil
	case rules.CmpLt:
		return cmp < 0, nil
	case rules.CmpLe:
		return cmp <= 0, nil
	case rules.CmpGt:
		return cmp > 0, nil
	case rules.CmpGe:
		return cmp >= 0, nil
	}
	return false, errf("unknown comparison %s", c.Op)
}
