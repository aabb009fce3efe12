// Package stats records run history on disk: one directory of artifacts per
// run plus a run index at the base directory.
package stats

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/exp/slices"
)

const (
	runIndexFile   = "run_index.json"
	configFile     = "config.yaml"
	summaryFile    = "summary.json"
	tickSeriesFile = "tick_series.csv"
)

var (
	ErrRunIDRequired = errors.New("run id is required")
	ErrRunNotFound   = errors.New("run not found")
)

// TickSample is the spike activity observed during one tick.
type TickSample struct {
	Tick   int    `json:"tick"`
	Spikes uint64 `json:"spikes"`
}

type RunArtifacts struct {
	RunID string
	// ConfigYAML is the effective configuration of the run.
	ConfigYAML []byte
	// Summary is written as JSON.
	Summary any
	Series  []TickSample
}

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	BrainID      string  `json:"brain_id"`
	Regions      int     `json:"regions"`
	Neurons      int     `json:"neurons"`
	Synapses     int     `json:"synapses"`
	Ticks        int     `json:"ticks"`
	Seed         int64   `json:"seed"`
	Workers      int     `json:"workers"`
	Learning     bool    `json:"learning"`
	Spikes       uint64  `json:"spikes"`
	MeanWeight   float64 `json:"mean_weight"`
	Checkpoint   string  `json:"checkpoint,omitempty"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.RunID == "" {
		return "", ErrRunIDRequired
	}

	runDir := filepath.Join(baseDir, artifacts.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if len(artifacts.ConfigYAML) > 0 {
		if err := os.WriteFile(filepath.Join(runDir, configFile), artifacts.ConfigYAML, 0o644); err != nil {
			return "", err
		}
	}
	if err := writeJSON(filepath.Join(runDir, summaryFile), artifacts.Summary); err != nil {
		return "", err
	}
	if err := WriteTickSeries(runDir, artifacts.Series); err != nil {
		return "", err
	}
	return runDir, nil
}

// AppendRunIndex records entry in the run index, replacing any entry with the
// same run ID. An empty CreatedAtUTC is stamped with the current time.
func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return ErrRunIDRequired
	}
	if entry.CreatedAtUTC == "" {
		entry.CreatedAtUTC = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := readRunIndex(baseDir)
	if err != nil {
		return err
	}
	if i := slices.IndexFunc(index, func(e RunIndexEntry) bool { return e.RunID == entry.RunID }); i >= 0 {
		index[i] = entry
	} else {
		index = append(index, entry)
	}
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the indexed runs, newest first. Timestamps are compared
// as instants, so RFC 3339 stamps with and without fractional seconds order
// correctly. Among equal or unparseable stamps the later appended run wins.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	entries, err := readRunIndex(baseDir)
	if err != nil {
		return nil, err
	}
	slices.Reverse(entries)
	slices.SortStableFunc(entries, func(a, b RunIndexEntry) int {
		return createdAt(b).Compare(createdAt(a))
	})
	return entries, nil
}

func readRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}
	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode run index: %w", err)
	}
	return entries, nil
}

// createdAt parses the entry stamp; unparseable stamps sort as oldest.
func createdAt(e RunIndexEntry) time.Time {
	at, err := time.Parse(time.RFC3339Nano, e.CreatedAtUTC)
	if err != nil {
		return time.Time{}
	}
	return at
}

// ExportRunArtifacts copies the artifacts of runID into outDir/runID. The
// config snapshot is optional; the summary and tick series are not.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", ErrRunIDRequired
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}
	for _, file := range []struct {
		name     string
		required bool
	}{
		{summaryFile, true},
		{tickSeriesFile, true},
		{configFile, false},
	} {
		if err := copyArtifact(filepath.Join(src, file.name), filepath.Join(dst, file.name), file.required); err != nil {
			return "", fmt.Errorf("export %s of run %s: %w", file.name, runID, err)
		}
	}
	return dst, nil
}

func WriteTickSeries(runDir string, series []TickSample) error {
	file, err := os.Create(filepath.Join(runDir, tickSeriesFile))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"tick", "spikes"}); err != nil {
		return err
	}
	for _, sample := range series {
		if err := writer.Write([]string{
			strconv.Itoa(sample.Tick),
			strconv.FormatUint(sample.Spikes, 10),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadTickSeries(baseDir, runID string) ([]TickSample, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, tickSeriesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []TickSample{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 2 {
		return nil, false, fmt.Errorf("tick series header must have at least 2 columns")
	}

	series := make([]TickSample, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) < 2 {
			return nil, false, fmt.Errorf("tick series row must have at least 2 columns")
		}
		tick, err := strconv.Atoi(record[0])
		if err != nil {
			return nil, false, err
		}
		spikes, err := strconv.ParseUint(record[1], 10, 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, TickSample{Tick: tick, Spikes: spikes})
	}
	return series, true, nil
}

// writeJSON replaces path through a temporary file in the same directory, so
// readers never observe a half-written run index or summary.
func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// copyArtifact copies one run file. A missing optional file is skipped.
func copyArtifact(src, dst string, required bool) error {
	in, err := os.Open(src)
	if err != nil {
		if !required && os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
