package jobfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aescanero/jobdag/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nightly = `
name: nightly-report
workflow_id: reports
parallelism: 4
jobs:
  - id: extract
    kind: noop
    config:
      source: s3://bucket/raw
  - id: transform
    kind: noop
    depends_on: [extract]
    timeout: 30s
    condition: has_rows
    retry_policy:
      max_retries: 2
      initial_delay: 1s
      backoff_multiplier: 2
    resource_limits:
      max_memory_mb: 512
      max_cpu_percent: 80
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_YAML(t *testing.T) {
	f, err := Load(writeFile(t, "nightly.yaml", nightly))
	require.NoError(t, err)

	assert.Equal(t, "nightly-report", f.Name)
	assert.Equal(t, "reports", f.WorkflowID)
	assert.Equal(t, 4, f.Parallelism)
	require.Len(t, f.Jobs, 2)

	extract := f.Jobs[0]
	assert.Equal(t, "s3://bucket/raw", extract.Config["source"])

	transform := f.Jobs[1]
	assert.Equal(t, []string{"extract"}, transform.DependsOn)
	assert.Equal(t, 30*time.Second, transform.Timeout)
	assert.Equal(t, "has_rows", transform.ConditionName)
	require.NotNil(t, transform.RetryPolicy)
	assert.Equal(t, 2, transform.RetryPolicy.MaxRetries)
	assert.Equal(t, time.Second, transform.RetryPolicy.InitialDelay)
	assert.Equal(t, 2.0, transform.RetryPolicy.BackoffMultiplier)
	require.NotNil(t, transform.ResourceLimits)
	assert.EqualValues(t, 512, transform.ResourceLimits.MaxMemoryMB)

	req := f.Request()
	assert.Equal(t, "nightly-report", req.Name)
	assert.Equal(t, 4, req.Parallelism)
	assert.Len(t, req.Jobs, 2)
}

func TestLoad_JSONNameFromFile(t *testing.T) {
	f, err := Load(writeFile(t, "adhoc.json", `{"jobs":[{"id":"a","kind":"noop"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "adhoc", f.Name)
	require.Len(t, f.Jobs, 1)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		content  string
		contains string
	}{
		{name: "unknown extension", file: "jobs.txt", content: "jobs: []", contains: "unsupported file extension"},
		{name: "unknown yaml field", file: "jobs.yaml", content: "jobs:\n  - id: a\n    knd: noop\n", contains: "parse YAML"},
		{name: "unknown json field", file: "jobs.json", content: `{"jobz": []}`, contains: "parse JSON"},
		{name: "no jobs", file: "empty.yaml", content: "name: empty\n", contains: "declares no jobs"},
		{name: "bad duration", file: "jobs.yaml", content: "jobs:\n  - id: a\n    timeout: soon\n", contains: "parse YAML"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParse_EmptyIsValidationError(t *testing.T) {
	_, err := Parse(nil, "yaml")
	assert.ErrorIs(t, err, domain.ErrValidation)
}
