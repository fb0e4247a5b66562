// Package handlers provides the built-in job handlers registered by the server.
package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/aescanero/jobdag/pkg/domain"
	"github.com/aescanero/jobdag/pkg/ports"
)

// Kind names of the built-in handlers
const (
	KindNoop   = "noop"
	KindFanOut = domain.FanOutKind
)

// Registrar accepts handlers by kind
type Registrar interface {
	RegisterHandler(kind string, handler ports.JobHandler)
}

// Register installs every built-in handler
func Register(r Registrar) {
	r.RegisterHandler(KindNoop, ports.HandlerFunc(Noop))
	r.RegisterHandler(KindFanOut, ports.HandlerFunc(FanOut))
}

// Noop echoes config["output"], or a summary of the job when unset. An
// optional config["sleep"] duration delays the result.
func Noop(ctx context.Context, spec domain.JobSpec, jc ports.JobContext) (any, error) {
	if raw, ok := spec.Config["sleep"]; ok {
		d, err := durationValue(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid sleep for job %s: %w", spec.ID, domain.ErrConfiguration)
		}
		jc.Log(fmt.Sprintf("sleeping %s", d))
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	jc.UpdateProgress(100)

	if out, ok := spec.Config["output"]; ok {
		return out, nil
	}
	return map[string]any{
		"job":          spec.ID,
		"execution_id": jc.ExecutionID(),
	}, nil
}

// FanOut generates one job per entry of config["items"] (or config["count"]
// jobs). Each generated job takes config["kind"] (default noop), depends on
// config["depends_on"] when set, and receives its item under config "item".
func FanOut(ctx context.Context, spec domain.JobSpec, jc ports.JobContext) (any, error) {
	items, err := fanOutItems(spec.Config)
	if err != nil {
		return nil, fmt.Errorf("job %s: %v: %w", spec.ID, err, domain.ErrConfiguration)
	}

	kind := KindNoop
	if k, ok := spec.Config["kind"].(string); ok && k != "" {
		kind = k
	}
	deps, err := stringList(spec.Config["depends_on"])
	if err != nil {
		return nil, fmt.Errorf("job %s: depends_on: %v: %w", spec.ID, err, domain.ErrConfiguration)
	}
	template, _ := spec.Config["config"].(map[string]any)

	generated := make([]domain.JobSpec, 0, len(items))
	for i, item := range items {
		cfg := make(map[string]any, len(template)+1)
		for k, v := range template {
			cfg[k] = v
		}
		cfg["item"] = item

		generated = append(generated, domain.JobSpec{
			ID:        fmt.Sprintf("%s-%d", spec.ID, i),
			Name:      fmt.Sprintf("%s #%d", spec.Name, i),
			Kind:      kind,
			DependsOn: append([]string(nil), deps...),
			Config:    cfg,
		})
	}

	jc.Log(fmt.Sprintf("generated %d jobs of kind %s", len(generated), kind))
	jc.UpdateProgress(100)

	return domain.FanOutOutput{
		GeneratedJobs: generated,
		Data:          map[string]any{"count": len(generated)},
	}, nil
}

func fanOutItems(config map[string]any) ([]any, error) {
	if raw, ok := config["items"]; ok {
		items, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("items must be a list, got %T", raw)
		}
		return items, nil
	}

	raw, ok := config["count"]
	if !ok {
		return nil, fmt.Errorf("items or count is required")
	}
	n, err := intValue(raw)
	if err != nil {
		return nil, fmt.Errorf("count: %w", err)
	}
	if n < 0 {
		return nil, fmt.Errorf("count must not be negative: %d", n)
	}
	items := make([]any, n)
	for i := range items {
		items[i] = i
	}
	return items, nil
}

func intValue(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int(n), nil
	}
	return 0, fmt.Errorf("not a number: %T", v)
}

func durationValue(v any) (time.Duration, error) {
	switch d := v.(type) {
	case string:
		return time.ParseDuration(d)
	case time.Duration:
		return d, nil
	}
	ms, err := intValue(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func stringList(v any) ([]string, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected list, got %T", v)
}
