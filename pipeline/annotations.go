package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/INLOpen/emberstore/core"
)

// Annotation names a recognized operator option.
type Annotation string

const (
	BopID             Annotation = "bopId"
	Offset            Annotation = "offset"
	Limit             Annotation = "limit"
	EvaluationContext Annotation = "evaluationContext"
	SharedState       Annotation = "sharedState"
	ReorderSolutions  Annotation = "reorderSolutions"
	MaxParallel       Annotation = "maxParallel"
	Variables         Annotation = "variables"
	ChunkCapacity     Annotation = "chunkCapacity"
	NativeDistinct    Annotation = "nativeDistinct"
	KeyVar            Annotation = "keyVar"
	ValueVar          Annotation = "valueVar"
	Timeout           Annotation = "timeout"
)

// EvalContext says where an operator must be evaluated.
type EvalContext int

const (
	EvalAny EvalContext = iota
	EvalController
	EvalSharded
	EvalHashed
)

func (e EvalContext) String() string {
	switch e {
	case EvalAny:
		return "ANY"
	case EvalController:
		return "CONTROLLER"
	case EvalSharded:
		return "SHARDED"
	case EvalHashed:
		return "HASHED"
	default:
		return fmt.Sprintf("EvalContext(%d)", int(e))
	}
}

type annotationKind int

const (
	kindInt annotationKind = iota
	kindBool
	kindEvalContext
	kindVars
	kindVar
	kindDuration
)

var annotationKinds = map[Annotation]annotationKind{
	BopID:             kindInt,
	Offset:            kindInt,
	Limit:             kindInt,
	EvaluationContext: kindEvalContext,
	SharedState:       kindBool,
	ReorderSolutions:  kindBool,
	MaxParallel:       kindInt,
	Variables:         kindVars,
	ChunkCapacity:     kindInt,
	NativeDistinct:    kindBool,
	KeyVar:            kindVar,
	ValueVar:          kindVar,
	Timeout:           kindDuration,
}

// Annotations is the named option map an operator is built from.
// Integer options accept int or int64 and are stored as int64.
type Annotations map[Annotation]any

// normalize checks every entry against the recognized names and kinds and
// returns a private copy with integers widened to int64.
func (a Annotations) normalize() (Annotations, error) {
	out := make(Annotations, len(a))
	for name, v := range a {
		kind, ok := annotationKinds[name]
		if !ok {
			return nil, core.NewValidationError(string(name), v, "unknown annotation")
		}
		switch kind {
		case kindInt:
			switch n := v.(type) {
			case int:
				out[name] = int64(n)
			case int64:
				out[name] = n
			default:
				return nil, core.NewValidationError(string(name), v, fmt.Sprintf("expected integer, got %T", v))
			}
			continue
		case kindBool:
			_, ok = v.(bool)
		case kindEvalContext:
			var e EvalContext
			e, ok = v.(EvalContext)
			if ok && (e < EvalAny || e > EvalHashed) {
				return nil, core.NewValidationError(string(name), v, "unknown evaluation context")
			}
		case kindVars:
			var vars []Var
			vars, ok = v.([]Var)
			if ok {
				v = append([]Var(nil), vars...)
			}
		case kindVar:
			var s Var
			s, ok = v.(Var)
			if ok && s == "" {
				return nil, core.NewValidationError(string(name), v, "variable name must not be empty")
			}
		case kindDuration:
			_, ok = v.(time.Duration)
		}
		if !ok {
			return nil, core.NewValidationError(string(name), v, fmt.Sprintf("unexpected type %T", v))
		}
		out[name] = v
	}
	return out, nil
}

// Int64 returns the integer option name, or def when it is absent.
func (a Annotations) Int64(name Annotation, def int64) int64 {
	if v, ok := a[name].(int64); ok {
		return v
	}
	return def
}

func (a Annotations) Bool(name Annotation, def bool) bool {
	if v, ok := a[name].(bool); ok {
		return v
	}
	return def
}

func (a Annotations) Vars(name Annotation) []Var {
	v, _ := a[name].([]Var)
	return v
}

func (a Annotations) Var(name Annotation, def Var) Var {
	if v, ok := a[name].(Var); ok {
		return v
	}
	return def
}

func (a Annotations) Duration(name Annotation, def time.Duration) time.Duration {
	if v, ok := a[name].(time.Duration); ok {
		return v
	}
	return def
}

func (a Annotations) EvalContext(def EvalContext) EvalContext {
	if v, ok := a[EvaluationContext].(EvalContext); ok {
		return v
	}
	return def
}

func (a Annotations) String() string {
	names := make([]string, 0, len(a))
	for n := range a {
		names = append(names, string(n))
	}
	sort.Strings(names)
	var sb strings.Builder
	sb.WriteByte('{')
	for i, n := range names {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%v", n, a[Annotation(n)])
	}
	sb.WriteByte('}')
	return sb.String()
}
