package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// jsonDuration carries a time.Duration through JSON as a Go duration string
// ("30s"). Plain numbers are read as nanoseconds for older records.
type jsonDuration time.Duration

func (d jsonDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *jsonDuration) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*d = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = jsonDuration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s: %w", data, err)
	}
	*d = jsonDuration(n)
	return nil
}

// MarshalJSON writes InitialDelay as a duration string
func (p RetryPolicy) MarshalJSON() ([]byte, error) {
	type alias RetryPolicy
	return json.Marshal(struct {
		alias
		InitialDelay jsonDuration `json:"initial_delay"`
	}{alias: alias(p), InitialDelay: jsonDuration(p.InitialDelay)})
}

// UnmarshalJSON accepts InitialDelay as a duration string or nanoseconds
func (p *RetryPolicy) UnmarshalJSON(data []byte) error {
	type alias RetryPolicy
	aux := struct {
		*alias
		InitialDelay jsonDuration `json:"initial_delay"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.InitialDelay = time.Duration(aux.InitialDelay)
	return nil
}

// MarshalJSON writes MaxDuration as a duration string
func (l ResourceLimits) MarshalJSON() ([]byte, error) {
	type alias ResourceLimits
	out := struct {
		alias
		MaxDuration *jsonDuration `json:"max_duration,omitempty"`
	}{alias: alias(l)}
	if l.MaxDuration != 0 {
		d := jsonDuration(l.MaxDuration)
		out.MaxDuration = &d
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts MaxDuration as a duration string or nanoseconds
func (l *ResourceLimits) UnmarshalJSON(data []byte) error {
	type alias ResourceLimits
	aux := struct {
		*alias
		MaxDuration jsonDuration `json:"max_duration,omitempty"`
	}{alias: (*alias)(l)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	l.MaxDuration = time.Duration(aux.MaxDuration)
	return nil
}

// MarshalJSON writes Timeout as a duration string and flags an in-process
// Condition that cannot travel with the spec
func (j JobSpec) MarshalJSON() ([]byte, error) {
	type alias JobSpec
	out := struct {
		alias
		Timeout *jsonDuration `json:"timeout,omitempty"`
	}{alias: alias(j)}
	if j.Condition != nil {
		out.InlineCondition = true
	}
	if j.Timeout != 0 {
		d := jsonDuration(j.Timeout)
		out.Timeout = &d
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts Timeout as a duration string or nanoseconds
func (j *JobSpec) UnmarshalJSON(data []byte) error {
	type alias JobSpec
	aux := struct {
		*alias
		Timeout jsonDuration `json:"timeout,omitempty"`
	}{alias: (*alias)(j)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	j.Timeout = time.Duration(aux.Timeout)
	return nil
}
