package conf

import (
	"encoding/json"
	"time"
)

// StringDuration is a duration that is marshaled/unmarshaled as a string
// ("10s", "500ms") rather than as a raw integer of nanoseconds.
type StringDuration time.Duration

// MarshalJSON implements json.Marshaler.
func (d StringDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *StringDuration) UnmarshalJSON(b []byte) error {
	var in string
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}

	du, err := time.ParseDuration(in)
	if err != nil {
		return err
	}

	*d = StringDuration(du)
	return nil
}
