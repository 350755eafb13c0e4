// Package sink delivers sweep measurements: CSV artifacts on disk and live
// fan-out to subscribers.
package sink

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/optobench/internal/fsutil"
	"github.com/banshee-data/optobench/internal/sweep"
)

// Header is the first row of every artifact.
var Header = []string{"timestamp", "current_mA", "power", "module"}

const (
	filePrefix = "experiment_data_"
	fileLayout = "2006-01-02_15-04-05"
)

// ArtifactWriter writes one CSV file per run into a directory, creating the
// directory on demand.
type ArtifactWriter struct {
	fs  fsutil.FileSystem
	dir string
	loc *time.Location
}

// NewArtifactWriter returns a writer into dir. File names use local time.
func NewArtifactWriter(fsys fsutil.FileSystem, dir string) *ArtifactWriter {
	return &ArtifactWriter{fs: fsys, dir: dir, loc: time.Local}
}

// Dir returns the artifact directory.
func (w *ArtifactWriter) Dir() string { return w.dir }

// FileName returns the artifact base name for a run started at t.
func (w *ArtifactWriter) FileName(t time.Time) string {
	return filePrefix + t.In(w.loc).Format(fileLayout) + ".csv"
}

// WriteArtifact implements sweep.ArtifactWriter. The power column is written
// exactly as read from the instrument.
func (w *ArtifactWriter) WriteArtifact(records []sweep.Record, started time.Time) (string, error) {
	if err := w.fs.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", w.dir, err)
	}

	f, path, err := w.create(started)
	if err != nil {
		return "", err
	}

	cw := csv.NewWriter(f)
	cw.Write(Header)
	for _, r := range records {
		cw.Write([]string{
			r.Timestamp,
			strconv.FormatFloat(r.CurrentMA, 'f', -1, 64),
			r.Power,
			strconv.Itoa(r.Module),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", path, err)
	}
	return path, nil
}

// create opens a new file for started, adding a numeric suffix if a run in
// the same second already claimed the name.
func (w *ArtifactWriter) create(started time.Time) (io.WriteCloser, string, error) {
	base := strings.TrimSuffix(w.FileName(started), ".csv")
	for i := 1; i <= 100; i++ {
		name := base + ".csv"
		if i > 1 {
			name = fmt.Sprintf("%s_%d.csv", base, i)
		}
		path := filepath.Join(w.dir, name)
		f, err := w.fs.Create(path)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("failed to create %s: %w", path, err)
		}
	}
	return nil, "", fmt.Errorf("no free artifact name for %s", base)
}

// List returns the artifact paths in the directory, oldest first.
func (w *ArtifactWriter) List() ([]string, error) {
	paths, err := w.fs.Glob(filepath.Join(w.dir, filePrefix+"*.csv"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadArtifact parses an artifact back into records.
func ReadArtifact(fsys fsutil.FileSystem, path string) ([]sweep.Record, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseArtifact(strings.NewReader(string(data)))
}

// ParseArtifact parses CSV artifact content.
func ParseArtifact(r io.Reader) ([]sweep.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i, h := range Header {
		if header[i] != h {
			return nil, fmt.Errorf("unexpected column %d %q, want %q", i, header[i], h)
		}
	}

	records := []sweep.Record{}
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		current, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid current_mA %q: %w", line, row[1], err)
		}
		module, err := strconv.Atoi(row[3])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid module %q: %w", line, row[3], err)
		}
		records = append(records, sweep.Record{
			Timestamp: row[0],
			CurrentMA: current,
			Power:     row[2],
			Module:    module,
		})
	}
	return records, nil
}
