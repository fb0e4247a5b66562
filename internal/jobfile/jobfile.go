// Package jobfile reads job sets from YAML or JSON files.
//
// A job file names the execution and lists its jobs:
//
//	name: nightly-report
//	workflow_id: reports
//	parallelism: 4
//	jobs:
//	  - id: extract
//	    kind: noop
//	  - id: transform
//	    kind: noop
//	    depends_on: [extract]
//	    timeout: 30s
//	    retry_policy: {max_retries: 2, initial_delay: 1s, backoff_multiplier: 2}
package jobfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aescanero/jobdag/pkg/domain"
	"gopkg.in/yaml.v3"
)

// File is the on-disk form of a job set
type File struct {
	Name         string           `json:"name" yaml:"name"`
	WorkflowID   string           `json:"workflow_id,omitempty" yaml:"workflow_id"`
	Parallelism  int              `json:"parallelism,omitempty" yaml:"parallelism"`
	ForceRerun   bool             `json:"force_rerun,omitempty" yaml:"force_rerun"`
	DisableCache bool             `json:"disable_cache,omitempty" yaml:"disable_cache"`
	Jobs         []domain.JobSpec `json:"jobs" yaml:"jobs"`
}

// Request converts the file into an execution request
func (f *File) Request() domain.ExecutionRequest {
	return domain.ExecutionRequest{
		Name:         f.Name,
		WorkflowID:   f.WorkflowID,
		Jobs:         f.Jobs,
		Parallelism:  f.Parallelism,
		ForceRerun:   f.ForceRerun,
		DisableCache: f.DisableCache,
	}
}

// Load reads a file, picking the format from its extension
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}

	format := detectFormat(path)
	if format == "" {
		return nil, fmt.Errorf("unsupported file extension: %s", filepath.Ext(path))
	}

	f, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if f.Name == "" {
		f.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return f, nil
}

// Parse decodes data in the given format ("yaml" or "json"). Unknown fields
// are rejected so typos in job definitions surface early.
func Parse(data []byte, format string) (*File, error) {
	var f File

	switch strings.ToLower(format) {
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported format %q, use \"yaml\" or \"json\"", format)
	}

	if len(f.Jobs) == 0 {
		return nil, fmt.Errorf("job file declares no jobs: %w", domain.ErrValidation)
	}
	return &f, nil
}

func detectFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return ""
	}
}
