package logger

import (
	"encoding/json"
	"fmt"
)

// Destination is a log output.
type Destination int

// log destinations.
const (
	DestinationStdout Destination = iota
	DestinationFile
)

// UnmarshalJSON implements json.Unmarshaler.
func (d *Destination) UnmarshalJSON(b []byte) error {
	var in string
	if len(b) >= 2 && b[0] == '"' {
		in = string(b[1 : len(b)-1])
	} else {
		in = string(b)
	}

	switch in {
	case "stdout":
		*d = DestinationStdout
	case "file":
		*d = DestinationFile
	default:
		return fmt.Errorf("invalid log destination: '%s'", in)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Destination) MarshalJSON() ([]byte, error) {
	var out string
	switch d {
	case DestinationStdout:
		out = "stdout"
	case DestinationFile:
		out = "file"
	default:
		return nil, fmt.Errorf("invalid log destination: %v", d)
	}
	return []byte(`"` + out + `"`), nil
}

// Destinations is a set of log destinations.
type Destinations map[Destination]struct{}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Destinations) UnmarshalJSON(b []byte) error {
	var in []string
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}

	out := make(Destinations)
	for _, s := range in {
		var dest Destination
		if err := dest.UnmarshalJSON([]byte(`"` + s + `"`)); err != nil {
			return err
		}
		out[dest] = struct{}{}
	}

	*d = out
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Destinations) MarshalJSON() ([]byte, error) {
	out := make([]string, 0, len(d))
	for dest := range d {
		b, err := dest.MarshalJSON()
		if err != nil {
			return nil, err
		}
		out = append(out, string(b[1:len(b)-1]))
	}
	return json.Marshal(out)
}
