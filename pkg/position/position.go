// Package position holds the ordered list of stage positions (regions of
// interest) a run visits, together with the focus offset calibrated for
// each of them.
package position

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyList        = errors.New("position list is empty")
	ErrDuplicateName    = errors.New("duplicate position name")
	ErrOffsetUnset      = errors.New("focus offset not calibrated")
	ErrOffsetAlreadySet = errors.New("focus offsets already applied")
)

// Position is a named stage coordinate in micrometers.
type Position struct {
	Name string
	X    float64
	Y    float64

	offset    float64
	hasOffset bool
}

// Offset returns the calibrated focus offset relative to the previous
// position of the list. It fails until offsets have been applied.
func (p Position) Offset() (float64, error) {
	if !p.hasOffset {
		return 0, fmt.Errorf("%w for %s", ErrOffsetUnset, p.Name)
	}
	return p.offset, nil
}

// List is an ordered set of uniquely named positions. Order defines the
// visiting order and the pairing of consecutive positions for offsets.
type List struct {
	name       string
	positions  []Position
	calibrated bool
}

// NewList validates and copies positions.
func NewList(name string, positions []Position) (*List, error) {
	if len(positions) == 0 {
		return nil, ErrEmptyList
	}
	seen := make(map[string]struct{}, len(positions))
	out := make([]Position, len(positions))
	for i, p := range positions {
		if p.Name == "" {
			return nil, fmt.Errorf("position %d has no name", i)
		}
		if _, ok := seen[p.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
		}
		seen[p.Name] = struct{}{}
		out[i] = Position{Name: p.Name, X: p.X, Y: p.Y}
	}
	return &List{name: name, positions: out}, nil
}

func (l *List) Name() string { return l.name }

func (l *List) Len() int { return len(l.positions) }

// At returns a copy of position i.
func (l *List) At(i int) Position { return l.positions[i] }

// Names returns the position names in order.
func (l *List) Names() []string {
	names := make([]string, len(l.positions))
	for i, p := range l.positions {
		names[i] = p.Name
	}
	return names
}

// Coordinates returns the x and y coordinates in order.
func (l *List) Coordinates() (xs, ys []float64) {
	xs = make([]float64, len(l.positions))
	ys = make([]float64, len(l.positions))
	for i, p := range l.positions {
		xs[i], ys[i] = p.X, p.Y
	}
	return xs, ys
}

// Calibrated reports whether offsets have been applied.
func (l *List) Calibrated() bool { return l.calibrated }

// ApplyOffsets writes the per-position focus offsets. Offsets are written
// once per run; call ResetOffsets before applying a new calibration.
func (l *List) ApplyOffsets(dz []float64) error {
	if l.calibrated {
		return ErrOffsetAlreadySet
	}
	if len(dz) != len(l.positions) {
		return fmt.Errorf("got %d offsets for %d positions", len(dz), len(l.positions))
	}
	for i := range l.positions {
		l.positions[i].offset = dz[i]
		l.positions[i].hasOffset = true
	}
	l.calibrated = true
	return nil
}

// ResetOffsets clears the calibration.
func (l *List) ResetOffsets() {
	for i := range l.positions {
		l.positions[i].offset = 0
		l.positions[i].hasOffset = false
	}
	l.calibrated = false
}

// Offsets returns all offsets in order, failing if they are not calibrated.
func (l *List) Offsets() ([]float64, error) {
	if !l.calibrated {
		return nil, ErrOffsetUnset
	}
	dz := make([]float64, len(l.positions))
	for i, p := range l.positions {
		dz[i] = p.offset
	}
	return dz, nil
}

// Targets returns absolute focus targets given the focus z0 of the first
// position: z[0] = z0 and z[i] = z[i-1] + dz[i].
func (l *List) Targets(z0 float64) ([]float64, error) {
	dz, err := l.Offsets()
	if err != nil {
		return nil, err
	}
	z := make([]float64, len(dz))
	z[0] = z0
	for i := 1; i < len(dz); i++ {
		z[i] = z[i-1] + dz[i]
	}
	return z, nil
}
