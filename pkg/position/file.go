package position

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/afero"
)

// rawFile is the on-disk ROI list written by the stage/ROI tool. Only the
// fields the acquisition needs are decoded.
type rawFile struct {
	Name         string   `json:"name"`
	CreationTime string   `json:"creation_time,omitempty"`
	ROIs         []rawROI `json:"rois"`
}

type rawROI struct {
	Name string `json:"name"`
	// Position is (x, y, z); z is ignored since focus comes from the
	// autofocus and the tilt calibration.
	Position []float64 `json:"position"`
}

// LoadList reads a ROI list file.
func LoadList(fs afero.Fs, path string) (*List, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to read position list %s", path)
	}
	var raw rawFile
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to parse position list %s", path)
	}

	positions := make([]Position, 0, len(raw.ROIs))
	for i, r := range raw.ROIs {
		if len(r.Position) < 2 {
			return nil, fmt.Errorf("roi %d (%s) in %s: position needs at least x and y", i, r.Name, path)
		}
		positions = append(positions, Position{Name: r.Name, X: r.Position[0], Y: r.Position[1]})
	}

	name := raw.Name
	if name == "" {
		name = filepath.Base(path)
	}
	l, err := NewList(name, positions)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "invalid position list %s", path)
	}
	return l, nil
}

// SaveList writes l in the ROI list format. z is written as 0.
func SaveList(fs afero.Fs, path string, l *List) error {
	raw := rawFile{
		Name:         l.name,
		CreationTime: time.Now().Format("2006-01-02 15:04"),
	}
	for _, p := range l.positions {
		raw.ROIs = append(raw.ROIs, rawROI{Name: p.Name, Position: []float64{p.X, p.Y, 0}})
	}
	b, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to marshal position list")
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return pkgerrors.Wrapf(err, "failed to create directory for %s", path)
	}
	if err := afero.WriteFile(fs, path, b, 0644); err != nil {
		return pkgerrors.Wrapf(err, "failed to write position list %s", path)
	}
	return nil
}
