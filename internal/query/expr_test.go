package query

import (
	"math"
	"reflect"
	"testing"
)

func TestAnd_EmptyIsIdentity(t *testing.T) {
	row := map[string]any{"a": float64(1)}
	if !Evaluate(And(), row) {
		t.Fatal("AND of nothing must evaluate true")
	}
	if Evaluate(Or(), row) {
		t.Fatal("OR of nothing must evaluate false")
	}
}

func TestAnd_SingletonCollapses(t *testing.T) {
	leaf := Eq("status", "open")
	if got := And(leaf); !reflect.DeepEqual(got, leaf) {
		t.Fatalf("And(x) should be x, got %#v", got)
	}
	if got := Or(leaf); !reflect.DeepEqual(got, leaf) {
		t.Fatalf("Or(x) should be x, got %#v", got)
	}
}

func TestAnd_DropsNilOperands(t *testing.T) {
	leaf := Eq("status", "open")
	if got := And(nil, leaf, nil); !reflect.DeepEqual(got, leaf) {
		t.Fatalf("nil operands should be dropped, got %#v", got)
	}
	if got := And(nil, nil); !reflect.DeepEqual(got, AndExpr{}) {
		t.Fatalf("all-nil operands should leave the identity, got %#v", got)
	}
}

func TestAnd_FlattensSameOperator(t *testing.T) {
	e := And(And(Eq("a", float64(1)), Eq("b", float64(2))), Eq("c", float64(3)))
	and, ok := e.(AndExpr)
	if !ok {
		t.Fatalf("expected AndExpr, got %#v", e)
	}
	if len(and.Children) != 3 {
		t.Fatalf("expected 3 flattened children, got %d", len(and.Children))
	}
	// Order is preserved left to right.
	first, ok := and.Children[0].(EqExpr)
	if !ok || first.Column != "a" {
		t.Fatalf("expected first child a, got %#v", and.Children[0])
	}
}

func TestAnd_DoesNotFlattenOtherOperator(t *testing.T) {
	inner := Or(Eq("a", float64(1)), Eq("b", float64(2)))
	e := And(inner, Eq("c", float64(3)))
	and, ok := e.(AndExpr)
	if !ok {
		t.Fatalf("expected AndExpr, got %#v", e)
	}
	if len(and.Children) != 2 {
		t.Fatalf("OR child must stay nested, got %d children", len(and.Children))
	}
}

func TestEvaluate_EqStrict(t *testing.T) {
	e := Eq("name", "Ada")

	if !Evaluate(e, map[string]any{"name": "Ada"}) {
		t.Fatal("expected match for equal strings")
	}
	if Evaluate(e, map[string]any{"name": "ada"}) {
		t.Fatal("string comparison is exact")
	}
	// Type mismatch never matches and never panics.
	if Evaluate(e, map[string]any{"name": float64(1)}) {
		t.Fatal("string vs number must not match")
	}
	if Evaluate(e, map[string]any{}) {
		t.Fatal("missing column must not match")
	}
	if Evaluate(e, map[string]any{"name": nil}) {
		t.Fatal("nil value must not match")
	}
	if Evaluate(e, map[string]any{"name": []string{"Ada"}}) {
		t.Fatal("non-scalar value must not match")
	}
}

func TestEvaluate_NumericKindsCompareAsNumbers(t *testing.T) {
	e := Eq("count", float64(3))
	for _, val := range []any{int(3), int64(3), int32(3), float64(3)} {
		if !Evaluate(e, map[string]any{"count": val}) {
			t.Fatalf("expected %T(3) to match numeric literal 3", val)
		}
	}
	if Evaluate(e, map[string]any{"count": int64(4)}) {
		t.Fatal("unequal numbers must not match")
	}
}

func TestEvaluate_BoolLeaf(t *testing.T) {
	e := Eq("isActive", true)
	if !Evaluate(e, map[string]any{"isActive": true}) {
		t.Fatal("expected match for true")
	}
	if Evaluate(e, map[string]any{"isActive": false}) {
		t.Fatal("false must not match true")
	}
	if Evaluate(e, map[string]any{"isActive": float64(1)}) {
		t.Fatal("bool vs number must not match")
	}
}

func TestEvaluate_Nested(t *testing.T) {
	e := And(
		Eq("role", "admin"),
		Or(Eq("dept", "Eng"), Eq("dept", "Product")),
	)

	match := map[string]any{"role": "admin", "dept": "Product"}
	if !Evaluate(e, match) {
		t.Fatalf("expected match for %v", match)
	}
	miss := map[string]any{"role": "admin", "dept": "Sales"}
	if Evaluate(e, miss) {
		t.Fatalf("expected no match for %v", miss)
	}
}

func TestEvaluate_NilExprMatchesEverything(t *testing.T) {
	if !Evaluate(nil, map[string]any{"x": float64(1)}) {
		t.Fatal("nil expression is the unfiltered view")
	}
}

func TestEvaluate_NonFiniteNumbers(t *testing.T) {
	// NaN != NaN even as a predicate literal.
	if Evaluate(Eq("x", math.NaN()), map[string]any{"x": math.NaN()}) {
		t.Fatal("NaN must not match NaN")
	}
	if !Evaluate(Eq("x", math.Inf(1)), map[string]any{"x": math.Inf(1)}) {
		t.Fatal("expected +Inf to match +Inf")
	}
}

func TestWhere_IsConjunction(t *testing.T) {
	got := Where(Eq("a", float64(1)), Eq("b", float64(2)))
	want := And(Eq("a", float64(1)), Eq("b", float64(2)))
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Where should build And, got %#v", got)
	}
}
