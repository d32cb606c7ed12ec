package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// FileWriter stores checkpoints as <dir>/<run>/tick_<n>.json
type FileWriter struct {
	Dir string
}

func NewFileWriter(dir string) *FileWriter {
	return &FileWriter{Dir: dir}
}

// Path is where the checkpoint of run at tick is written
func (w *FileWriter) Path(run string, tick uint64) string {
	return filepath.Join(w.Dir, run, fmt.Sprintf("tick_%d.json", tick))
}

func (w *FileWriter) Report(_ context.Context, cp Checkpoint) error {
	_, err := w.Write(cp)
	return err
}

// Write stores cp and returns its path. The file appears atomically.
func (w *FileWriter) Write(cp Checkpoint) (string, error) {
	dir := filepath.Join(w.Dir, cp.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tick_*.tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	path := w.Path(cp.RunID, cp.Tick)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

// Read loads one checkpoint file
func Read(path string) (Checkpoint, error) {
	var cp Checkpoint
	data, err := os.ReadFile(path)
	if err != nil {
		return cp, err
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return cp, nil
}

// Ticks lists the checkpointed ticks of run in ascending order
func (w *FileWriter) Ticks(run string) ([]uint64, error) {
	entries, err := os.ReadDir(filepath.Join(w.Dir, run))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ticks []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "tick_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "tick_"), ".json"), 10, 64)
		if err != nil {
			continue
		}
		ticks = append(ticks, n)
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i] < ticks[j] })
	return ticks, nil
}

// Latest loads the newest checkpoint of run
func (w *FileWriter) Latest(run string) (Checkpoint, bool, error) {
	ticks, err := w.Ticks(run)
	if err != nil || len(ticks) == 0 {
		return Checkpoint{}, false, err
	}
	cp, err := Read(w.Path(run, ticks[len(ticks)-1]))
	if err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}
