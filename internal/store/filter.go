package store

import (
	"math"

	"github.com/qdrant/go-client/qdrant"
	"github.com/seanblong/reporag/pkg/models"
)

// Cond is a single filter condition on one metadata field. Exactly one of
// the operator fields should be set; a zero Cond matches everything.
// Operators mirror the vector store's metadata filter contract:
// $eq, $in, $lte, $gte, $lt, $gt.
type Cond struct {
	Eq  any      // string, bool or numeric equality
	In  []string // membership over keyword fields
	Lte *float64
	Gte *float64
	Lt  *float64
	Gt  *float64
}

// Filter maps metadata field names to conditions. All conditions must hold
// (conjunction). Field names are the payload keys of the stored record:
// category, language, depth, sizeCategory, hasClassDef, hasFnDef,
// hasImports, hasTests, complexity, wordCount.
type Filter map[string]Cond

// Eq builds an equality condition.
func Eq(v any) Cond { return Cond{Eq: v} }

// In builds a membership condition over keyword values.
func In(vals ...string) Cond { return Cond{In: vals} }

// Lte builds a less-than-or-equal condition.
func Lte(v float64) Cond { return Cond{Lte: &v} }

// Gte builds a greater-than-or-equal condition.
func Gte(v float64) Cond { return Cond{Gte: &v} }

// Merge returns a copy of f with the conditions of other added. Conditions
// in other win on key collision.
func (f Filter) Merge(other Filter) Filter {
	out := make(Filter, len(f)+len(other))
	for k, v := range f {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// fieldValue projects a chunk onto the payload key space used for
// filtering, so the same Filter evaluates identically server-side
// (qdrant) and client-side (post-filtering, selectivity probes).
func fieldValue(c models.Chunk, key string) (any, bool) {
	switch key {
	case "category":
		return string(c.Category), true
	case "language":
		return c.Language, true
	case "depth":
		return float64(c.Depth), true
	case "sizeCategory":
		return string(c.SizeClass), true
	case "hasClassDef":
		return c.HasClassDef, true
	case "hasFnDef":
		return c.HasFnDef, true
	case "hasImports":
		return c.HasImports, true
	case "hasTests":
		return c.HasTests, true
	case "complexity":
		return float64(c.Complexity), true
	case "wordCount":
		return float64(c.WordCount), true
	case "path":
		return c.Path, true
	}
	return nil, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func (c Cond) matches(v any) bool {
	if c.Eq != nil {
		if ef, ok := asFloat(c.Eq); ok {
			vf, ok := asFloat(v)
			return ok && vf == ef
		}
		return v == c.Eq
	}
	if len(c.In) > 0 {
		s, ok := v.(string)
		if !ok {
			return false
		}
		for _, cand := range c.In {
			if s == cand {
				return true
			}
		}
		return false
	}
	if c.Lte != nil || c.Gte != nil || c.Lt != nil || c.Gt != nil {
		vf, ok := asFloat(v)
		if !ok {
			return false
		}
		if c.Lte != nil && vf > *c.Lte {
			return false
		}
		if c.Gte != nil && vf < *c.Gte {
			return false
		}
		if c.Lt != nil && vf >= *c.Lt {
			return false
		}
		if c.Gt != nil && vf <= *c.Gt {
			return false
		}
		return true
	}
	return true
}

// Matches reports whether the chunk satisfies every condition in the
// filter. Unknown field names never match.
func (f Filter) Matches(c models.Chunk) bool {
	for key, cond := range f {
		v, ok := fieldValue(c, key)
		if !ok {
			return false
		}
		if !cond.matches(v) {
			return false
		}
	}
	return true
}

// Selectivity estimates the fraction of the given corpus that satisfies
// the filter. Used by the planner's selectivity gate.
func (f Filter) Selectivity(corpus []models.Chunk) float64 {
	if len(corpus) == 0 || len(f) == 0 {
		return 1.0
	}
	hit := 0
	for _, c := range corpus {
		if f.Matches(c) {
			hit++
		}
	}
	return float64(hit) / float64(len(corpus))
}

// toQdrant translates the filter into a qdrant server-side filter. Numeric
// equality uses an integer match when the value is integral so it hits the
// integer payload index.
func (f Filter) toQdrant() *qdrant.Filter {
	if len(f) == 0 {
		return nil
	}
	var must []*qdrant.Condition
	for key, c := range f {
		switch {
		case c.Eq != nil:
			must = append(must, matchCondition(key, c.Eq))
		case len(c.In) > 0:
			must = append(must, &qdrant.Condition{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key: key,
						Match: &qdrant.Match{
							MatchValue: &qdrant.Match_Keywords{
								Keywords: &qdrant.RepeatedStrings{Strings: c.In},
							},
						},
					},
				},
			})
		default:
			must = append(must, &qdrant.Condition{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key:   key,
						Range: &qdrant.Range{Lt: c.Lt, Gt: c.Gt, Lte: c.Lte, Gte: c.Gte},
					},
				},
			})
		}
	}
	return &qdrant.Filter{Must: must}
}

func matchCondition(key string, v any) *qdrant.Condition {
	var m *qdrant.Match
	switch val := v.(type) {
	case string:
		m = &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: val}}
	case bool:
		m = &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: val}}
	default:
		if fv, ok := asFloat(v); ok && fv == math.Trunc(fv) {
			m = &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: int64(fv)}}
		} else {
			m = &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: ""}}
		}
	}
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{Key: key, Match: m},
		},
	}
}
