package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ryouol/agent-diagnostics/pkg/models"
)

// FileSource reads a JSON-lines log file written by an agent process. Missing
// files yield no events. Lines that do not decode, or decode without a
// message, are skipped.
type FileSource struct {
	Path string
}

// NewFileSource returns a source for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (f *FileSource) Name() string {
	return "file:" + f.Path
}

// Events reads the whole file.
func (f *FileSource) Events(ctx context.Context) ([]models.LogEvent, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log file %s: %w", f.Path, err)
	}
	defer file.Close()

	var events []models.LogEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var raw struct {
			models.LogEvent
			RawLevel string `json:"level"`
		}
		if err := json.Unmarshal([]byte(line), &raw); err != nil || raw.Message == "" {
			continue
		}
		e := raw.LogEvent
		if lvl, ok := models.ParseLevel(raw.RawLevel); ok {
			e.Level = lvl
		} else {
			e.Level = models.Info
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log file %s: %w", f.Path, err)
	}
	return events, nil
}
