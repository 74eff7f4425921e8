package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// jsonDuration decodes either a duration string such as "90s" or an
// integer number of nanoseconds, matching what the YAML decoder accepts.
type jsonDuration time.Duration

func (d *jsonDuration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = jsonDuration(parsed)
	case float64:
		*d = jsonDuration(time.Duration(value))
	case nil:
	default:
		return fmt.Errorf("invalid duration %s", data)
	}
	return nil
}

// UnmarshalJSON decodes the partitioner configuration, accepting string
// durations.
func (p *PartitionerConfig) UnmarshalJSON(data []byte) error {
	type plain PartitionerConfig
	aux := struct {
		*plain
		Timeout jsonDuration `json:"timeout"`
	}{plain: (*plain)(p), Timeout: jsonDuration(p.Timeout)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.Timeout = time.Duration(aux.Timeout)
	return nil
}

// UnmarshalJSON decodes the engine configuration, accepting string
// durations.
func (e *EngineConfig) UnmarshalJSON(data []byte) error {
	type plain EngineConfig
	aux := struct {
		*plain
		AttemptTimeout jsonDuration `json:"attempt_timeout"`
	}{plain: (*plain)(e), AttemptTimeout: jsonDuration(e.AttemptTimeout)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.AttemptTimeout = time.Duration(aux.AttemptTimeout)
	return nil
}
