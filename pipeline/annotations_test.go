package pipeline

import (
	"testing"
	"time"

	"github.com/INLOpen/emberstore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnotations_Normalize(t *testing.T) {
	anns := Annotations{
		BopID:             7,
		Offset:            int64(3),
		EvaluationContext: EvalHashed,
		SharedState:       true,
		Variables:         []Var{"a", "b"},
		KeyVar:            Var("k"),
		Timeout:           time.Second,
	}
	norm, err := anns.normalize()
	require.NoError(t, err)

	assert.Equal(t, int64(7), norm.Int64(BopID, -1))
	assert.Equal(t, int64(3), norm.Int64(Offset, 0))
	assert.Equal(t, int64(42), norm.Int64(Limit, 42))
	assert.Equal(t, EvalHashed, norm.EvalContext(EvalAny))
	assert.True(t, norm.Bool(SharedState, false))
	assert.False(t, norm.Bool(ReorderSolutions, false))
	assert.Equal(t, []Var{"a", "b"}, norm.Vars(Variables))
	assert.Equal(t, Var("k"), norm.Var(KeyVar, DefaultKeyVar))
	assert.Equal(t, DefaultValueVar, norm.Var(ValueVar, DefaultValueVar))
	assert.Equal(t, time.Second, norm.Duration(Timeout, 0))

	// The normalized copy does not alias the caller's slice.
	anns[Variables].([]Var)[0] = "z"
	assert.Equal(t, Var("a"), norm.Vars(Variables)[0])
}

func TestAnnotations_RejectedAtConstruction(t *testing.T) {
	testCases := []struct {
		name  string
		anns  Annotations
		field string
	}{
		{"Unknown", Annotations{BopID: 1, Annotation("chunkOfTime"): 3}, "chunkOfTime"},
		{"OffsetNotInteger", Annotations{BopID: 1, Offset: "2"}, "offset"},
		{"SharedStateNotBool", Annotations{BopID: 1, SharedState: 1}, "sharedState"},
		{"BadEvalContext", Annotations{BopID: 1, EvaluationContext: EvalContext(9)}, "evaluationContext"},
		{"EvalContextWrongType", Annotations{BopID: 1, EvaluationContext: "CONTROLLER"}, "evaluationContext"},
		{"EmptyVar", Annotations{BopID: 1, KeyVar: Var("")}, "keyVar"},
		{"MissingBopID", Annotations{Offset: int64(1)}, "bopId"},
		{"MaxParallelZero", Annotations{BopID: 1, MaxParallel: 0}, "maxParallel"},
		{"ChunkCapacityNegative", Annotations{BopID: 1, ChunkCapacity: -3}, "chunkCapacity"},
		{"ChunkCapacityZero", Annotations{BopID: 1, ChunkCapacity: 0}, "chunkCapacity"},
		{"TimeoutNegative", Annotations{BopID: 1, Timeout: -5 * time.Second}, "timeout"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSliceOp[int](tc.anns)
			require.Error(t, err)
			var verr *core.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestAnnotations_String(t *testing.T) {
	anns := Annotations{Limit: int64(3), BopID: int64(1)}
	assert.Equal(t, "{bopId=1, limit=3}", anns.String())
	assert.Equal(t, "CONTROLLER", EvalController.String())
}

func TestBindingSet(t *testing.T) {
	bs := NewBindingSet(Var("x"), "john", Var("y"), []byte("mary"))

	v, ok := bs.Get("x")
	require.True(t, ok)
	assert.Equal(t, "john", string(v))

	p := bs.Project([]Var{"y", "missing"})
	assert.Len(t, p, 1)
	assert.Equal(t, "mary", string(p["y"]))

	c := bs.Copy()
	assert.True(t, bs.Equal(c))
	c["z"] = []byte("paul")
	assert.False(t, bs.Equal(c))
	_, inOriginal := bs["z"]
	assert.False(t, inOriginal)

	assert.Equal(t, "{x=john, y=mary}", bs.String())
}

func TestBindingSet_Key(t *testing.T) {
	vars := []Var{"x", "y"}
	a := NewBindingSet(Var("x"), "ab", Var("y"), "c")
	b := NewBindingSet(Var("x"), "a", Var("y"), "bc")
	unbound := NewBindingSet(Var("x"), "ab")
	empty := NewBindingSet(Var("x"), "ab", Var("y"), "")

	assert.NotEqual(t, a.Key(vars), b.Key(vars), "length prefix keeps values apart")
	assert.NotEqual(t, unbound.Key(vars), empty.Key(vars), "unbound differs from empty")
	assert.Equal(t, a.Key([]Var{"x"}), unbound.Key([]Var{"x"}))
	assert.Equal(t, a.Key(vars), a.Copy().Key(vars))
}
