package tier

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Tier maps every input at or above Lower to Value, until the next tier's bound.
type Tier struct {
	Lower float64 `yaml:"lower" json:"lower"`
	Value float64 `yaml:"value" json:"value"`
}

// Table is an ordered set of tiers, ascending by lower bound.
type Table struct {
	tiers []Tier
}

func New(tiers ...Tier) (Table, error) {
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lower < sorted[j].Lower })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Lower == sorted[i-1].Lower {
			return Table{}, fmt.Errorf("duplicate tier bound %v", sorted[i].Lower)
		}
	}
	return Table{tiers: sorted}, nil
}

// MustNew is New for package-level defaults.
func MustNew(tiers ...Tier) Table {
	t, err := New(tiers...)
	if err != nil {
		panic(err)
	}
	return t
}

// Select returns the value of the highest tier whose lower bound is <= x,
// or fallback when x is below every bound.
func (t Table) Select(x, fallback float64) float64 {
	idx := sort.Search(len(t.tiers), func(i int) bool { return t.tiers[i].Lower > x })
	if idx == 0 {
		return fallback
	}
	return t.tiers[idx-1].Value
}

func (t Table) Len() int {
	return len(t.tiers)
}

func (t Table) Tiers() []Tier {
	out := make([]Tier, len(t.tiers))
	copy(out, t.tiers)
	return out
}

// Parse reads "lower:value,lower:value" pairs, the form used by env vars and flags.
func Parse(s string) (Table, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Table{}, nil
	}
	var tiers []Tier
	for _, part := range strings.Split(s, ",") {
		bound, value, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return Table{}, fmt.Errorf("tier %q: expected lower:value", part)
		}
		lower, err := strconv.ParseFloat(strings.TrimSpace(bound), 64)
		if err != nil {
			return Table{}, fmt.Errorf("tier %q: %w", part, err)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return Table{}, fmt.Errorf("tier %q: %w", part, err)
		}
		tiers = append(tiers, Tier{Lower: lower, Value: v})
	}
	return New(tiers...)
}

func (t Table) String() string {
	parts := make([]string, 0, len(t.tiers))
	for _, tr := range t.tiers {
		parts = append(parts, strconv.FormatFloat(tr.Lower, 'f', -1, 64)+":"+strconv.FormatFloat(tr.Value, 'f', -1, 64))
	}
	return strings.Join(parts, ",")
}

// UnmarshalYAML accepts a list of {lower, value} mappings.
func (t *Table) UnmarshalYAML(unmarshal func(any) error) error {
	var tiers []Tier
	if err := unmarshal(&tiers); err != nil {
		return err
	}
	parsed, err := New(tiers...)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
