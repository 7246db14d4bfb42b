package ir

import (
	"fmt"
	"slices"
	"strings"
)

// Kind is the closed set of flow element kinds. Operator dispatch is a switch
// over Kind; nothing is resolved through reflection.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindExternalInput
	KindExternalOutput
	KindFlowPart

	// Core operators.
	KindCheckpoint
	KindConfluent
	KindExtend
	KindProject
	KindRestructure
	KindStop
	KindEmpty

	// User operators. These carry an implementation reference.
	KindUpdate
	KindConvert
	KindExtract
	KindBranch
	KindLogging
	KindFold
	KindSummarize
	KindGroupSort
	KindCoGroup

	// Join operators. The resolver picks a shuffle or side-data variant.
	KindMasterCheck
	KindMasterJoin
	KindMasterJoinUpdate
	KindMasterBranch
)

var kindNames = [...]string{
	KindUnknown:          "unknown",
	KindExternalInput:    "external_input",
	KindExternalOutput:   "external_output",
	KindFlowPart:         "part",
	KindCheckpoint:       "checkpoint",
	KindConfluent:        "confluent",
	KindExtend:           "extend",
	KindProject:          "project",
	KindRestructure:      "restructure",
	KindStop:             "stop",
	KindEmpty:            "empty",
	KindUpdate:           "update",
	KindConvert:          "convert",
	KindExtract:          "extract",
	KindBranch:           "branch",
	KindLogging:          "logging",
	KindFold:             "fold",
	KindSummarize:        "summarize",
	KindGroupSort:        "group_sort",
	KindCoGroup:          "co_group",
	KindMasterCheck:      "master_check",
	KindMasterJoin:       "master_join",
	KindMasterJoinUpdate: "master_join_update",
	KindMasterBranch:     "master_branch",
}

// String returns the snake_case name used in flow descriptions.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseKind maps a declared kind name to a Kind. Unknown names map to
// KindUnknown so the resolver can report them.
func ParseKind(name string) Kind {
	for k, n := range kindNames {
		if n == name && Kind(k) != KindUnknown {
			return Kind(k)
		}
	}
	return KindUnknown
}

// Category groups kinds the way flow descriptions do.
type Category uint8

const (
	CategoryUnknown Category = iota
	CategoryExternal
	CategoryBoundary
	CategoryCore
	CategoryUser
	CategoryJoin
)

// Category returns the kind's category.
func (k Kind) Category() Category {
	switch {
	case k == KindExternalInput || k == KindExternalOutput:
		return CategoryExternal
	case k == KindFlowPart:
		return CategoryBoundary
	case k >= KindCheckpoint && k <= KindEmpty:
		return CategoryCore
	case k >= KindUpdate && k <= KindCoGroup:
		return CategoryUser
	case k >= KindMasterCheck && k <= KindMasterBranch:
		return CategoryJoin
	}
	return CategoryUnknown
}

// IsJoin reports whether k is a master join kind.
func (k Kind) IsJoin() bool { return k.Category() == CategoryJoin }

// IsGrouping reports whether k groups its input by a declared key.
func (k Kind) IsGrouping() bool {
	switch k {
	case KindFold, KindSummarize, KindGroupSort, KindCoGroup:
		return true
	}
	return false
}

// Strategy is the join strategy hint supplied by the frontend.
type Strategy uint8

const (
	StrategyAuto Strategy = iota
	StrategyBroadcast
	StrategyShuffle
)

func (s Strategy) String() string {
	switch s {
	case StrategyBroadcast:
		return "broadcast"
	case StrategyShuffle:
		return "shuffle"
	}
	return "auto"
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ParseStrategy parses a strategy hint. The empty string means auto.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "auto":
		return StrategyAuto, nil
	case "broadcast":
		return StrategyBroadcast, nil
	case "shuffle":
		return StrategyShuffle, nil
	}
	return StrategyAuto, fmt.Errorf("unknown join strategy %q", s)
}

// JoinVariant is the concrete join implementation chosen by the resolver.
type JoinVariant uint8

const (
	VariantNone JoinVariant = iota
	VariantShuffle
	VariantSideData
)

func (v JoinVariant) String() string {
	switch v {
	case VariantShuffle:
		return "shuffle"
	case VariantSideData:
		return "side_data"
	}
	return "none"
}

// MarshalText implements encoding.TextMarshaler.
func (v JoinVariant) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// DataSize is the approximate size class of a dataset.
// SizeUnknown is the zero value and never counts as small.
type DataSize uint8

const (
	SizeUnknown DataSize = iota
	SizeTiny
	SizeSmall
	SizeLarge
)

func (d DataSize) String() string {
	switch d {
	case SizeTiny:
		return "tiny"
	case SizeSmall:
		return "small"
	case SizeLarge:
		return "large"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (d DataSize) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// AtMost reports whether d is known and no larger than limit.
func (d DataSize) AtMost(limit DataSize) bool {
	return d != SizeUnknown && limit != SizeUnknown && d <= limit
}

// ParseDataSize parses a size class. The empty string means unknown.
func ParseDataSize(s string) (DataSize, error) {
	switch s {
	case "", "unknown":
		return SizeUnknown, nil
	case "tiny":
		return SizeTiny, nil
	case "small":
		return SizeSmall, nil
	case "large":
		return SizeLarge, nil
	}
	return SizeUnknown, fmt.Errorf("unknown data size %q", s)
}

// Observation says how often an operator's effects must be observed.
type Observation uint8

const (
	ObserveDontCare Observation = iota
	ObserveAtMostOnce
	ObserveAtLeastOnce
	ObserveExactlyOnce
)

func (o Observation) String() string {
	switch o {
	case ObserveAtMostOnce:
		return "at_most_once"
	case ObserveAtLeastOnce:
		return "at_least_once"
	case ObserveExactlyOnce:
		return "exactly_once"
	}
	return "dont_care"
}

// Observed reports whether the operator must run even when nothing
// downstream consumes its output.
func (o Observation) Observed() bool {
	return o == ObserveAtLeastOnce || o == ObserveExactlyOnce
}

// ParseObservation parses an observation count. The empty string means dont_care.
func ParseObservation(s string) (Observation, error) {
	switch s {
	case "", "dont_care":
		return ObserveDontCare, nil
	case "at_most_once":
		return ObserveAtMostOnce, nil
	case "at_least_once":
		return ObserveAtLeastOnce, nil
	case "exactly_once":
		return ObserveExactlyOnce, nil
	}
	return ObserveDontCare, fmt.Errorf("unknown observation count %q", s)
}

// Ordering is one sort criterion of a KeySpec.
type Ordering struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending,omitempty"`
}

// ParseOrdering parses "+field", "-field" or "field".
func ParseOrdering(s string) Ordering {
	switch {
	case strings.HasPrefix(s, "-"):
		return Ordering{Field: s[1:], Descending: true}
	case strings.HasPrefix(s, "+"):
		return Ordering{Field: s[1:]}
	}
	return Ordering{Field: s}
}

func (o Ordering) String() string {
	if o.Descending {
		return "-" + o.Field
	}
	return "+" + o.Field
}

// KeySpec is a partitioning requirement: records are grouped by Group and
// sorted within each group by Order.
type KeySpec struct {
	Group []string   `json:"group"`
	Order []Ordering `json:"order,omitempty"`
}

// Equal compares two key specs. Two nil specs are equal.
func (k *KeySpec) Equal(other *KeySpec) bool {
	if k == nil || other == nil {
		return k == nil && other == nil
	}
	return slices.Equal(k.Group, other.Group) && slices.Equal(k.Order, other.Order)
}

// Fields returns every field the key reads: group fields then order fields.
func (k *KeySpec) Fields() []string {
	if k == nil {
		return nil
	}
	out := slices.Clone(k.Group)
	for _, o := range k.Order {
		out = append(out, o.Field)
	}
	return out
}

func (k *KeySpec) String() string {
	if k == nil {
		return "-"
	}
	s := strings.Join(k.Group, ",")
	if len(k.Order) > 0 {
		parts := make([]string, len(k.Order))
		for i, o := range k.Order {
			parts[i] = o.String()
		}
		s += "|" + strings.Join(parts, ",")
	}
	return s
}

func (k *KeySpec) value() Value {
	if k == nil {
		return Null{}
	}
	group := make(Array, len(k.Group))
	for i, g := range k.Group {
		group[i] = String(g)
	}
	order := make(Array, len(k.Order))
	for i, o := range k.Order {
		order[i] = String(o.String())
	}
	return Obj(F("group", group), F("order", order))
}

// JoinResource describes the master dataset of a join operator.
type JoinResource struct {
	// Source names the node the master port is expected to read from.
	Source    string   `json:"source"`
	MasterKey []string `json:"master_key"`
	TxKey     []string `json:"tx_key"`
	Strategy  Strategy `json:"strategy"`
	Size      DataSize `json:"size"`
}

func (j *JoinResource) value() Value {
	if j == nil {
		return Null{}
	}
	return Obj(
		F("source", String(j.Source)),
		F("master_key", stringsValue(j.MasterKey)),
		F("tx_key", stringsValue(j.TxKey)),
		F("strategy", String(j.Strategy.String())),
		F("size", String(j.Size.String())),
	)
}

func stringsValue(ss []string) Array {
	out := make(Array, len(ss))
	for i, s := range ss {
		out[i] = String(s)
	}
	return out
}

// ScalarType is the declared type of a record field.
type ScalarType string

const (
	TypeString ScalarType = "string"
	TypeInt    ScalarType = "int"
	TypeBool   ScalarType = "bool"
	TypeAny    ScalarType = "any"
)

// FieldDef is one declared field of a record type.
type FieldDef struct {
	Name string     `json:"name"`
	Type ScalarType `json:"type"`
}

// RecordType is a named data model.
type RecordType struct {
	Name   string     `json:"name"`
	Fields []FieldDef `json:"fields"`
}

// Field looks up a field by name.
func (t *RecordType) Field(name string) (FieldDef, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// Schema is the set of record types a graph and its flow parts refer to.
type Schema struct {
	types map[string]*RecordType
	order []string
}

// NewSchema returns a schema holding the given types.
func NewSchema(types ...*RecordType) *Schema {
	s := &Schema{types: make(map[string]*RecordType)}
	for _, t := range types {
		_ = s.Define(t)
	}
	return s
}

// Define adds a type. Redefining a name is an error.
func (s *Schema) Define(t *RecordType) error {
	if _, ok := s.types[t.Name]; ok {
		return fmt.Errorf("type %q already defined", t.Name)
	}
	s.types[t.Name] = t
	s.order = append(s.order, t.Name)
	return nil
}

// Lookup returns the named type.
func (s *Schema) Lookup(name string) (*RecordType, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.types[name]
	return t, ok
}

// Names returns type names in definition order.
func (s *Schema) Names() []string {
	if s == nil {
		return nil
	}
	return slices.Clone(s.order)
}
