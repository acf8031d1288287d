package acquisition

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/cbs-imaging/hubble/pkg/device"
)

const (
	// FormatRaw is headerless little-endian uint16 frames, back to back.
	FormatRaw = "raw"
	// FormatNPY is a numpy .npy array of shape (frames, height, width).
	FormatNPY = "npy"
)

// Saver persists the frames of one channel at one position.
type Saver interface {
	Save(path string, frames []device.Frame) error
}

// FileName returns <run>_<position>_ch<channel>.<ext>.
func FileName(run, position string, channel int, ext string) string {
	return fmt.Sprintf("%s_%s_ch%03d.%s", run, position, channel, ext)
}

// SplitChannels de-interleaves the frames of one position: channel c gets
// frames c, c+k, c+2k, ... for k channels.
func SplitChannels(frames []device.Frame, channels int) [][]device.Frame {
	if channels < 1 {
		channels = 1
	}
	out := make([][]device.Frame, channels)
	for i, f := range frames {
		out[i%channels] = append(out[i%channels], f)
	}
	return out
}

func extension(format string) (string, error) {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case FormatRaw, "":
		return FormatRaw, nil
	case FormatNPY:
		return FormatNPY, nil
	}
	return "", fmt.Errorf("unsupported file format %q", format)
}

// DiskSaver writes frame stacks to a file system.
type DiskSaver struct {
	Fs     afero.Fs
	Format string
}

func (s *DiskSaver) Save(path string, frames []device.Frame) error {
	format, err := extension(s.Format)
	if err != nil {
		return err
	}
	if err := s.Fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return pkgerrors.Wrapf(err, "failed to create directory for %s", path)
	}
	f, err := s.Fs.Create(path)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to create %s", path)
	}
	if err := writeFrames(f, format, path, frames); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return pkgerrors.Wrapf(err, "failed to close %s", path)
	}
	return nil
}

func writeFrames(f io.Writer, format, path string, frames []device.Frame) error {
	w := bufio.NewWriter(f)
	if format == FormatNPY {
		if err := writeNPYHeader(w, frames); err != nil {
			return pkgerrors.Wrapf(err, "failed to write header of %s", path)
		}
	}
	for i, fr := range frames {
		if len(fr.Pixels) != fr.Width*fr.Height {
			return fmt.Errorf("frame %d of %s: %d pixels for %dx%d", i, path, len(fr.Pixels), fr.Width, fr.Height)
		}
		if err := binary.Write(w, binary.LittleEndian, fr.Pixels); err != nil {
			return pkgerrors.Wrapf(err, "failed to write %s", path)
		}
	}
	if err := w.Flush(); err != nil {
		return pkgerrors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// writeNPYHeader writes a version 1.0 header. Frames are assumed to share
// the size of the first one.
func writeNPYHeader(w *bufio.Writer, frames []device.Frame) error {
	h, wd := 0, 0
	if len(frames) > 0 {
		h, wd = frames[0].Height, frames[0].Width
	}
	dict := fmt.Sprintf("{'descr': '<u2', 'fortran_order': False, 'shape': (%d, %d, %d), }", len(frames), h, wd)
	// magic(6) + version(2) + length(2) + dict + '\n' is padded to 64 bytes
	total := 10 + len(dict) + 1
	pad := (64 - total%64) % 64
	header := dict + strings.Repeat(" ", pad) + "\n"

	if _, err := w.WriteString("\x93NUMPY\x01\x00"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(header))); err != nil {
		return err
	}
	_, err := w.WriteString(header)
	return err
}
