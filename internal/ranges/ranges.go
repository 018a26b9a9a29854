// Package ranges maps row positions to the sender responsible for them.
package ranges

import (
	"fmt"
	"sort"

	"sheetmailer/internal/models"
)

// Map is an immutable set of non-overlapping inclusive ranges.
type Map struct {
	bindings []models.RangeBinding
}

// New validates and indexes bindings. Nothing is built on error.
func New(bindings []models.RangeBinding) (*Map, error) {
	sorted := make([]models.RangeBinding, len(bindings))
	copy(sorted, bindings)

	for _, b := range sorted {
		if b.Lower > b.Upper {
			return nil, models.NewValidationError("bindings", fmt.Sprintf("range %s has lower above upper", b))
		}
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Lower < sorted[j].Lower
	})

	// after sorting, any overlap shows up between neighbours
	for i := 1; i < len(sorted); i++ {
		if Overlaps(sorted[i-1].Lower, sorted[i-1].Upper, sorted[i].Lower, sorted[i].Upper) {
			return nil, fmt.Errorf("%w: %s and %s", models.ErrRangeOverlap, sorted[i-1], sorted[i])
		}
	}

	return &Map{bindings: sorted}, nil
}

// BindingFor returns the sender bound to pos.
func (m *Map) BindingFor(pos int) (models.SenderCredential, bool) {
	if m == nil {
		return models.SenderCredential{}, false
	}
	i := sort.Search(len(m.bindings), func(i int) bool {
		return m.bindings[i].Upper >= pos
	})
	if i < len(m.bindings) && m.bindings[i].Contains(pos) {
		return m.bindings[i].Sender, true
	}
	return models.SenderCredential{}, false
}

func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.bindings)
}

// Bindings returns the ranges ordered by lower bound.
func (m *Map) Bindings() []models.RangeBinding {
	if m == nil {
		return nil
	}
	out := make([]models.RangeBinding, len(m.bindings))
	copy(out, m.bindings)
	return out
}

// Overlaps reports whether [aLo,aHi] and [bLo,bHi] share at least one position.
func Overlaps(aLo, aHi, bLo, bHi int) bool {
	return aLo <= bHi && bLo <= aHi
}
