package engine

import (
	"bytes"
	"slices"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/roach88/flowc/internal/ir"
)

// keyBytes encodes the values of fields, in order, canonically. Field names
// are not part of the encoding: a master keyed on "id" and a transaction
// keyed on "customer_id" land in the same partition when the values agree.
func keyBytes(r ir.Record, fields []string) []byte {
	vals := make(ir.Array, len(fields))
	for i, f := range fields {
		vals[i] = r.Get(f)
	}
	return ir.MustMarshalCanonical(vals)
}

func partitionOf(key []byte, n int) int {
	h := xxhash.New()
	h.Write(key)
	return int(h.Sum64() % uint64(n))
}

// hashPartition splits records into n partitions by the hash of their
// group key, sorting each partition by key then order.
func hashPartition(records []ir.Record, key *ir.KeySpec, n int) [][]ir.Record {
	out := make([][]ir.Record, n)
	for _, r := range records {
		p := partitionOf(keyBytes(r, key.Group), n)
		out[p] = append(out[p], r)
	}
	for _, part := range out {
		sortByKey(part, key)
	}
	return out
}

// roundRobin spreads records over n partitions in arrival order.
func roundRobin(records []ir.Record, n int) [][]ir.Record {
	out := make([][]ir.Record, n)
	for i, r := range records {
		out[i%n] = append(out[i%n], r)
	}
	return out
}

func flatten(parts [][]ir.Record) []ir.Record {
	var out []ir.Record
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// sortByKey orders records by group key, then the key's order criteria,
// then canonical encoding so ties are broken deterministically.
func sortByKey(records []ir.Record, key *ir.KeySpec) {
	slices.SortStableFunc(records, func(a, b ir.Record) int {
		if c := bytes.Compare(keyBytes(a, key.Group), keyBytes(b, key.Group)); c != 0 {
			return c
		}
		return compareOrdered(a, b, key.Order)
	})
}

func compareOrdered(a, b ir.Record, order []ir.Ordering) int {
	for _, o := range order {
		c := compareValues(a.Get(o.Field), b.Get(o.Field))
		if o.Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return ir.CompareRecords(a, b)
}

// group is the records of one key value, sorted.
type group struct {
	key     []byte
	records []ir.Record
}

// groupBy partitions records by the values of fields and sorts each group
// by order. Groups are returned in key order.
func groupBy(records []ir.Record, fields []string, order []ir.Ordering) []group {
	idx := make(map[string]int)
	var groups []group
	for _, r := range records {
		k := keyBytes(r, fields)
		i, ok := idx[string(k)]
		if !ok {
			i = len(groups)
			idx[string(k)] = i
			groups = append(groups, group{key: k})
		}
		groups[i].records = append(groups[i].records, r)
	}
	sort.Slice(groups, func(i, j int) bool { return bytes.Compare(groups[i].key, groups[j].key) < 0 })
	for _, g := range groups {
		slices.SortStableFunc(g.records, func(a, b ir.Record) int { return compareOrdered(a, b, order) })
	}
	return groups
}

// compareValues orders scalars naturally. Values of different types order
// by type: null, bool, int, string, then composites by canonical encoding.
func compareValues(a, b ir.Value) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return ra - rb
	}
	switch x := a.(type) {
	case ir.Bool:
		y := b.(ir.Bool)
		switch {
		case x == y:
			return 0
		case !bool(x):
			return -1
		}
		return 1
	case ir.Int:
		y := b.(ir.Int)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case ir.String:
		return bytes.Compare([]byte(x), []byte(b.(ir.String)))
	case nil, ir.Null:
		return 0
	}
	return bytes.Compare(ir.MustMarshalCanonical(a), ir.MustMarshalCanonical(b))
}

func typeRank(v ir.Value) int {
	switch v.(type) {
	case nil, ir.Null:
		return 0
	case ir.Bool:
		return 1
	case ir.Int:
		return 2
	case ir.String:
		return 3
	}
	return 4
}
