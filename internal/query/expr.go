package query

// Expr is an immutable boolean filter expression over a row.
// The concrete types are EqExpr, AndExpr and OrExpr.
type Expr interface {
	isExpr()
}

// EqExpr compares a column against a scalar literal.
type EqExpr struct {
	Column string
	Value  any // string, bool, or a numeric type
}

// AndExpr is the conjunction of its children. Zero children means TRUE.
type AndExpr struct {
	Children []Expr
}

// OrExpr is the disjunction of its children. Zero children means FALSE.
type OrExpr struct {
	Children []Expr
}

func (EqExpr) isExpr()  {}
func (AndExpr) isExpr() {}
func (OrExpr) isExpr()  {}

// Eq builds an equality leaf. Column existence is not validated here;
// evaluation against a row that lacks the column is simply false.
func Eq(column string, value any) Expr {
	return EqExpr{Column: column, Value: value}
}

// And builds a conjunction. Nil operands are dropped, nested AndExpr
// children are flattened one level, and a single surviving operand is
// returned as-is. And() with no operands is the identity (always true).
func And(exprs ...Expr) Expr {
	var children []Expr
	for _, e := range exprs {
		if e == nil {
			continue
		}
		if same, ok := e.(AndExpr); ok {
			children = append(children, same.Children...)
			continue
		}
		children = append(children, e)
	}
	if len(children) == 1 {
		return children[0]
	}
	return AndExpr{Children: children}
}

// Or builds a disjunction with the same normalization rules as And.
// Or() with no operands is the identity (always false).
func Or(exprs ...Expr) Expr {
	var children []Expr
	for _, e := range exprs {
		if e == nil {
			continue
		}
		if same, ok := e.(OrExpr); ok {
			children = append(children, same.Children...)
			continue
		}
		children = append(children, e)
	}
	if len(children) == 1 {
		return children[0]
	}
	return OrExpr{Children: children}
}

// Where is the conventional root builder for a view predicate:
// Where(a, b, c) is And(a, b, c).
func Where(exprs ...Expr) Expr {
	return And(exprs...)
}

// Evaluate reports whether the row satisfies the expression.
// A nil expression matches everything.
func Evaluate(e Expr, row map[string]any) bool {
	if e == nil {
		return true
	}
	switch node := e.(type) {
	case EqExpr:
		val, ok := row[node.Column]
		if !ok {
			return false
		}
		return scalarEqual(val, node.Value)
	case AndExpr:
		result := true
		for _, child := range node.Children {
			if !Evaluate(child, row) {
				result = false
			}
		}
		return result
	case OrExpr:
		result := false
		for _, child := range node.Children {
			if Evaluate(child, row) {
				result = true
			}
		}
		return result
	default:
		return false
	}
}

// scalarEqual compares two values with strict kind-and-value equality.
// Numeric types are compared as one numeric kind; everything that is not
// a string, bool or number (nil, slices, nested maps) never matches.
func scalarEqual(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	return aok && bok && af == bf
}

// toFloat64 converts numeric types to float64.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
