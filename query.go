package velox

import (
	"sort"
	"strings"
)

// QueryOp is a condition operator.
type QueryOp int

const (
	OpEq QueryOp = iota
	OpNeq
	OpGt
	OpGe
	OpLt
	OpLe
	OpBetween
	OpIn
	OpContains
)

// Condition is one `(field, op, value)` predicate.
type Condition struct {
	Field    string
	Op       QueryOp
	Value    Value
	Value2   Value   // upper bound for Between
	Values   []Value // operands for In
}

// indexUsable reports whether op can be planned against a B+-tree index.
func (c Condition) indexUsable() bool {
	switch c.Op {
	case OpEq, OpGt, OpGe, OpLt, OpLe, OpBetween:
		return true
	default:
		return false
	}
}

// JoinSpec attaches related documents from another collection by equality
// on two fields.
type JoinSpec struct {
	OtherCollection string
	LocalField      string
	ForeignField    string
}

// TextSearch is an optional case-insensitive substring filter.
type TextSearch struct {
	Query string
	Field string // empty means: search every string leaf value recursively
}

// Aggregate describes an optional aggregation to run over a result set.
type Aggregate struct {
	Kind     string // "count","sum","avg","min","max","distinct"
	Field    string
	GroupBy  string
}

// Query is the declarative request the executor plans and runs.
type Query struct {
	Collection string
	Conditions []Condition
	OrderBy    string
	OrderDesc  bool
	Limit      int
	Offset     int
	Text       *TextSearch
	Joins      []JoinSpec
	Agg        *Aggregate
}

// Document is a loaded row: its id plus its decoded fields.
type Document struct {
	ID     string
	Fields map[string]Value
	Joined map[string][]Document
}

// AggregateBucket is one group_by bucket's result.
type AggregateBucket struct {
	GroupValue Value
	Documents  []Document
	Count      int
	Sum        float64
	Avg        float64
	Min        Value
	Max        Value
	Distinct   []Value
}

// collectionLoader is the storage-side collaborator the executor calls to
// resolve candidate ids to documents and to full-scan a collection. DB
// implements this in engine.go.
type collectionLoader interface {
	loadDocument(collection, docID string) (map[string]Value, bool, error)
	scanCollectionIDs(collection string) ([]string, error)
}

// QueryExecutor plans and runs Query values against an IndexManager and a
// collectionLoader.
type QueryExecutor struct {
	indexes *IndexManager
	loader  collectionLoader

	// DocsLoaded counts document loads performed by the most recent Run
	// call, so callers can verify an indexed query plan skipped a full
	// collection scan.
	DocsLoaded int
}

func NewQueryExecutor(indexes *IndexManager, loader collectionLoader) *QueryExecutor {
	return &QueryExecutor{indexes: indexes, loader: loader}
}

// Run executes q and returns the resulting documents, or aggregation
// buckets if q.Agg is set.
func (qe *QueryExecutor) Run(q Query) ([]Document, []AggregateBucket, error) {
	qe.DocsLoaded = 0

	indexUsable, residual := partitionConditions(q.Conditions)

	var candidateIDs []string
	var err error
	if len(indexUsable) > 0 {
		candidateIDs, err = qe.intersectIndexed(q.Collection, indexUsable)
	} else if q.OrderBy != "" {
		candidateIDs, err = qe.indexes.FindRange(q.Collection, q.OrderBy, nil, nil, true, true)
		if err == ErrIndexMissing {
			candidateIDs, err = qe.loader.scanCollectionIDs(q.Collection)
		}
	} else {
		candidateIDs, err = qe.loader.scanCollectionIDs(q.Collection)
	}
	if err != nil {
		return nil, nil, err
	}

	var docs []Document
	for _, id := range candidateIDs {
		fields, ok, loadErr := qe.loader.loadDocument(q.Collection, id)
		if loadErr != nil {
			return nil, nil, loadErr
		}
		qe.DocsLoaded++
		if !ok {
			continue
		}
		if !matchesResidual(fields, residual) {
			continue
		}
		if q.Text != nil && !matchesText(fields, *q.Text) {
			continue
		}
		docs = append(docs, Document{ID: id, Fields: fields})
	}

	for _, join := range q.Joins {
		for i := range docs {
			local, ok := docs[i].Fields[join.LocalField]
			if !ok {
				continue
			}
			ids, _ := qe.indexes.FindEquals(join.OtherCollection, join.ForeignField, local)
			var joined []Document
			for _, jid := range ids {
				jf, ok, _ := qe.loader.loadDocument(join.OtherCollection, jid)
				if ok {
					joined = append(joined, Document{ID: jid, Fields: jf})
				}
			}
			if docs[i].Joined == nil {
				docs[i].Joined = make(map[string][]Document)
			}
			docs[i].Joined["_joined_"+join.OtherCollection] = joined
		}
	}

	if q.OrderBy != "" {
		sort.SliceStable(docs, func(i, j int) bool {
			a, aok := docs[i].Fields[q.OrderBy]
			b, bok := docs[j].Fields[q.OrderBy]
			if !aok {
				a = Null()
			}
			if !bok {
				b = Null()
			}
			c := Compare(a, b)
			if q.OrderDesc {
				return c > 0
			}
			return c < 0
		})
	}

	if q.Offset > 0 {
		if q.Offset >= len(docs) {
			docs = nil
		} else {
			docs = docs[q.Offset:]
		}
	}
	if q.Limit > 0 && q.Limit < len(docs) {
		docs = docs[:q.Limit]
	}

	if q.Agg != nil {
		return nil, runAggregate(docs, *q.Agg), nil
	}
	return docs, nil, nil
}

func partitionConditions(conds []Condition) (indexUsable, residual []Condition) {
	for _, c := range conds {
		if c.indexUsable() {
			indexUsable = append(indexUsable, c)
		} else {
			residual = append(residual, c)
		}
	}
	return
}

// intersectIndexed resolves each index-usable condition to a doc-id set and
// intersects them.
func (qe *QueryExecutor) intersectIndexed(collection string, conds []Condition) ([]string, error) {
	var result map[string]bool
	for _, c := range conds {
		var ids []string
		var err error
		switch c.Op {
		case OpEq:
			ids, err = qe.indexes.FindEquals(collection, c.Field, c.Value)
		case OpGt:
			ids, err = qe.indexes.FindRange(collection, c.Field, &c.Value, nil, false, true)
		case OpGe:
			ids, err = qe.indexes.FindRange(collection, c.Field, &c.Value, nil, true, true)
		case OpLt:
			ids, err = qe.indexes.FindRange(collection, c.Field, nil, &c.Value, true, false)
		case OpLe:
			ids, err = qe.indexes.FindRange(collection, c.Field, nil, &c.Value, true, true)
		case OpBetween:
			ids, err = qe.indexes.FindRange(collection, c.Field, &c.Value, &c.Value2, true, true)
		}
		if err != nil {
			return nil, err
		}
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		if result == nil {
			result = set
		} else {
			for id := range result {
				if !set[id] {
					delete(result, id)
				}
			}
		}
	}
	out := make([]string, 0, len(result))
	for id := range result {
		out = append(out, id)
	}
	return out, nil
}

func matchesResidual(fields map[string]Value, conds []Condition) bool {
	for _, c := range conds {
		v, ok := fields[c.Field]
		if !ok {
			return false
		}
		switch c.Op {
		case OpNeq:
			if Compare(v, c.Value) == 0 {
				return false
			}
		case OpIn:
			found := false
			for _, cand := range c.Values {
				if Compare(v, cand) == 0 {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case OpContains:
			if v.Kind == KindList {
				found := false
				for _, item := range v.List {
					if Compare(item, c.Value) == 0 {
						found = true
						break
					}
				}
				if !found {
					return false
				}
			} else if v.Kind == KindString {
				if !strings.Contains(v.S, c.Value.S) {
					return false
				}
			} else {
				return false
			}
		case OpEq:
			if Compare(v, c.Value) != 0 {
				return false
			}
		case OpGt:
			if Compare(v, c.Value) <= 0 {
				return false
			}
		case OpGe:
			if Compare(v, c.Value) < 0 {
				return false
			}
		case OpLt:
			if Compare(v, c.Value) >= 0 {
				return false
			}
		case OpLe:
			if Compare(v, c.Value) > 0 {
				return false
			}
		case OpBetween:
			if Compare(v, c.Value) < 0 || Compare(v, c.Value2) > 0 {
				return false
			}
		}
	}
	return true
}

func matchesText(fields map[string]Value, ts TextSearch) bool {
	needle := strings.ToLower(ts.Query)
	if ts.Field != "" {
		v, ok := fields[ts.Field]
		return ok && v.Kind == KindString && strings.Contains(strings.ToLower(v.S), needle)
	}
	for _, v := range fields {
		if containsTextRecursive(v, needle) {
			return true
		}
	}
	return false
}

func containsTextRecursive(v Value, needle string) bool {
	switch v.Kind {
	case KindString:
		return strings.Contains(strings.ToLower(v.S), needle)
	case KindList:
		for _, item := range v.List {
			if containsTextRecursive(item, needle) {
				return true
			}
		}
	case KindMap:
		for _, item := range v.Map {
			if containsTextRecursive(item, needle) {
				return true
			}
		}
	}
	return false
}

// runAggregate implements count/sum/avg/min/max/distinct, optionally
// grouped by a field.
func runAggregate(docs []Document, agg Aggregate) []AggregateBucket {
	if agg.GroupBy == "" {
		return []AggregateBucket{aggregateOne(docs, agg)}
	}

	groups := make(map[string][]Document)
	var order []string
	groupValues := make(map[string]Value)
	for _, d := range docs {
		v, ok := d.Fields[agg.GroupBy]
		if !ok {
			v = Null()
		}
		key := stringRepr(v)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
			groupValues[key] = v
		}
		groups[key] = append(groups[key], d)
	}

	buckets := make([]AggregateBucket, 0, len(order))
	for _, key := range order {
		b := aggregateOne(groups[key], agg)
		b.GroupValue = groupValues[key]
		buckets = append(buckets, b)
	}
	return buckets
}

func aggregateOne(docs []Document, agg Aggregate) AggregateBucket {
	b := AggregateBucket{Documents: docs, Count: len(docs)}
	if agg.Field == "" {
		return b
	}
	var values []Value
	var sum float64
	for _, d := range docs {
		v, ok := d.Fields[agg.Field]
		if !ok {
			continue
		}
		values = append(values, v)
		if n, isNum := numeric(v); isNum {
			sum += n
		}
	}
	b.Sum = sum
	if len(values) > 0 {
		b.Avg = sum / float64(len(values))
		sortValues(values, false)
		b.Min = values[0]
		b.Max = values[len(values)-1]
	}
	if agg.Kind == "distinct" {
		seen := make(map[string]bool)
		for _, v := range values {
			key := stringRepr(v)
			if !seen[key] {
				seen[key] = true
				b.Distinct = append(b.Distinct, v)
			}
		}
	}
	return b
}
