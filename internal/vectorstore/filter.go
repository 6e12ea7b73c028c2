package vectorstore

import (
	pb "github.com/qdrant/go-client/qdrant"
)

// Small filter DSL over the qdrant protobuf conditions. Callers compose
// conditions and wrap them with Must/MustNot.

// Eq matches a payload keyword exactly.
func Eq(key, value string) *pb.Condition {
	return &pb.Condition{ConditionOneOf: &pb.Condition_Field{
		Field: &pb.FieldCondition{
			Key: key,
			Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
		},
	}}
}

// EqBool matches a boolean payload field.
func EqBool(key string, value bool) *pb.Condition {
	return &pb.Condition{ConditionOneOf: &pb.Condition_Field{
		Field: &pb.FieldCondition{
			Key: key,
			Match: &pb.Match{MatchValue: &pb.Match_Boolean{Boolean: value}},
		},
	}}
}

// In matches any of the given keywords.
func In(key string, values ...string) *pb.Condition {
	return &pb.Condition{ConditionOneOf: &pb.Condition_Field{
		Field: &pb.FieldCondition{
			Key: key,
			Match: &pb.Match{MatchValue: &pb.Match_Keywords{
				Keywords: &pb.RepeatedStrings{Strings: values},
			}},
		},
	}}
}

// Nested scopes conditions to a nested payload object.
func Nested(path string, conds ...*pb.Condition) *pb.Condition {
	return &pb.Condition{ConditionOneOf: &pb.Condition_Nested{
		Nested: &pb.NestedCondition{
			Key:    path,
			Filter: Must(conds...),
		},
	}}
}

// Must requires all conditions. Nil conditions are dropped; an empty set
// yields a nil filter, meaning unfiltered.
func Must(conds ...*pb.Condition) *pb.Filter {
	kept := keep(conds)
	if len(kept) == 0 {
		return nil
	}
	return &pb.Filter{Must: kept}
}

// MustNot excludes all matching points.
func MustNot(conds ...*pb.Condition) *pb.Filter {
	kept := keep(conds)
	if len(kept) == 0 {
		return nil
	}
	return &pb.Filter{MustNot: kept}
}

// And merges filters, concatenating their clauses.
func And(filters ...*pb.Filter) *pb.Filter {
	out := &pb.Filter{}
	for _, f := range filters {
		if f == nil {
			continue
		}
		out.Must = append(out.Must, f.Must...)
		out.MustNot = append(out.MustNot, f.MustNot...)
		out.Should = append(out.Should, f.Should...)
	}
	if len(out.Must) == 0 && len(out.MustNot) == 0 && len(out.Should) == 0 {
		return nil
	}
	return out
}

func keep(conds []*pb.Condition) []*pb.Condition {
	var kept []*pb.Condition
	for _, c := range conds {
		if c != nil {
			kept = append(kept, c)
		}
	}
	return kept
}

// ProjectFilter is the isolation filter every retrieval call carries.
func ProjectFilter(projectIDs []string) *pb.Filter {
	switch len(projectIDs) {
	case 0:
		return nil
	case 1:
		return Must(Eq("project_id", projectIDs[0]))
	default:
		return Must(In("project_id", projectIDs...))
	}
}
