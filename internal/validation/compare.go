package validation

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Comparator decides whether two outputs are equivalent.
type Comparator interface {
	Name() string
	Equal(a, b json.RawMessage) bool
	// Diff describes how a and b differ, for failure reports.
	Diff(a, b json.RawMessage) string
}

// Comparator names accepted by NewComparator.
const (
	ComparatorExact     = "exact"
	ComparatorCanonical = "canonical"
	ComparatorTolerant  = "tolerant"
)

// NewComparator returns the named comparator. tolerance is the relative
// numeric tolerance of the tolerant comparator.
func NewComparator(name string, tolerance float64) (Comparator, error) {
	switch name {
	case ComparatorExact:
		return exactComparator{}, nil
	case ComparatorCanonical, "":
		return canonicalComparator{}, nil
	case ComparatorTolerant:
		return tolerantComparator{tolerance: tolerance}, nil
	default:
		return nil, fmt.Errorf("unknown comparator %q", name)
	}
}

type exactComparator struct{}

func (exactComparator) Name() string { return ComparatorExact }

func (exactComparator) Equal(a, b json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
}

func (exactComparator) Diff(a, b json.RawMessage) string {
	return cmp.Diff(string(bytes.TrimSpace(a)), string(bytes.TrimSpace(b)))
}

// canonicalComparator compares the canonical serialization of both values,
// so key order and whitespace do not matter.
type canonicalComparator struct{}

func (canonicalComparator) Name() string { return ComparatorCanonical }

func (canonicalComparator) Equal(a, b json.RawMessage) bool {
	ca, errA := canonical(a)
	cb, errB := canonical(b)
	if errA != nil || errB != nil {
		return exactComparator{}.Equal(a, b)
	}
	return bytes.Equal(ca, cb)
}

func (canonicalComparator) Diff(a, b json.RawMessage) string {
	return cmp.Diff(decodeOrRaw(a), decodeOrRaw(b))
}

// tolerantComparator ignores small numeric differences and the ordering of
// array elements.
type tolerantComparator struct {
	tolerance float64
}

func (tolerantComparator) Name() string { return ComparatorTolerant }

func (c tolerantComparator) options() cmp.Options {
	return cmp.Options{
		cmpopts.EquateApprox(c.tolerance, 1e-9),
		cmpopts.EquateEmpty(),
		cmpopts.SortSlices(func(x, y interface{}) bool {
			return sortKey(x) < sortKey(y)
		}),
	}
}

func (c tolerantComparator) Equal(a, b json.RawMessage) bool {
	va, errA := decode(a)
	vb, errB := decode(b)
	if errA != nil || errB != nil {
		return exactComparator{}.Equal(a, b)
	}
	return cmp.Equal(va, vb, c.options())
}

func (c tolerantComparator) Diff(a, b json.RawMessage) string {
	return cmp.Diff(decodeOrRaw(a), decodeOrRaw(b), c.options())
}

func decode(raw json.RawMessage) (interface{}, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeOrRaw(raw json.RawMessage) interface{} {
	v, err := decode(raw)
	if err != nil {
		return string(raw)
	}
	return v
}

// canonical re-encodes raw; encoding/json sorts object keys.
func canonical(raw json.RawMessage) ([]byte, error) {
	v, err := decode(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func sortKey(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// Judge decides whether a replayed output is materially worse than the
// recorded one. It is pluggable because "better" is domain specific.
type Judge func(recorded, replayed json.RawMessage) bool

// EquivalentOrRicher is the default replay judge. The replayed output is not
// worse when it matches the recorded output under cmp, or when it is an
// object that keeps every recorded field and only adds new ones.
func EquivalentOrRicher(c Comparator) Judge {
	return func(recorded, replayed json.RawMessage) bool {
		if c.Equal(recorded, replayed) {
			return false
		}
		rec, errA := decode(recorded)
		got, errB := decode(replayed)
		if errA != nil || errB != nil {
			return true
		}
		return !covers(got, rec, c)
	}
}

// covers reports whether got contains every field of want with an
// equivalent value.
func covers(got, want interface{}, c Comparator) bool {
	wm, ok := want.(map[string]interface{})
	if !ok {
		return false
	}
	gm, ok := got.(map[string]interface{})
	if !ok {
		return false
	}
	for k, wv := range wm {
		gv, ok := gm[k]
		if !ok {
			return false
		}
		wb, _ := json.Marshal(wv)
		gb, _ := json.Marshal(gv)
		if !c.Equal(wb, gb) {
			return false
		}
	}
	return true
}
