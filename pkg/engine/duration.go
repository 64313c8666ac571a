package engine

import (
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/pkg/errors"
)

// Duration is a time.Duration that decodes from Go duration strings
// ("10ms", "1h30m") as well as integer nanoseconds, in both YAML and
// JSON.
type Duration time.Duration

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.decode(raw)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.decode(raw)
}

func (d *Duration) decode(raw any) error {
	switch t := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return errors.NewConfig("duration", err.Error())
		}
		*d = Duration(parsed)
		return nil
	case int:
		*d = Duration(t)
		return nil
	case int64:
		*d = Duration(t)
		return nil
	case float64:
		*d = Duration(t)
		return nil
	default:
		return errors.NewConfig("duration", "must be a duration string or nanoseconds")
	}
}
