package conf

import (
	"encoding/json"

	"code.cloudfoundry.org/bytefmt"
)

// ByteSize is a quantity of bytes that is marshaled/unmarshaled as a
// human-readable string ("10MiB", "500KB") using bytefmt, matching how
// cseg_seg_size and cseg_cache_time-adjacent size options are expressed
// in the configuration file.
type ByteSize uint64

// MarshalJSON implements json.Marshaler.
func (s ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(bytefmt.ByteSize(uint64(s)))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ByteSize) UnmarshalJSON(b []byte) error {
	var in string
	if err := json.Unmarshal(b, &in); err == nil {
		n, err := bytefmt.ToBytes(in)
		if err != nil {
			return err
		}
		*s = ByteSize(n)
		return nil
	}

	var n uint64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = ByteSize(n)
	return nil
}
