package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/JakeFAU/toolrunner/internal/runner"
)

// Submission is one request for work. URL and Tool each fan out, so a
// submission stores one row per (url, tool) combination.
type Submission struct {
	URL      Values `json:"url"`
	Tool     Values `json:"tool"`
	Priority int    `json:"priority"`
}

// Values decodes from a JSON string, an array of strings, or an object whose
// string values are taken in key order.
type Values []string

// UnmarshalJSON implements json.Unmarshaler.
func (v *Values) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = nil
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Values{s}
	case '[':
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("%w: expected a list of strings", runner.ErrInvalidRequest)
		}
		*v = list
	case '{':
		var keyed map[string]string
		if err := json.Unmarshal(data, &keyed); err != nil {
			return fmt.Errorf("%w: expected an object of strings", runner.ErrInvalidRequest)
		}
		keys := make([]string, 0, len(keyed))
		for k := range keyed {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(Values, 0, len(keys))
		for _, k := range keys {
			out = append(out, keyed[k])
		}
		*v = out
	default:
		return fmt.Errorf("%w: expected a string, list, or object", runner.ErrInvalidRequest)
	}
	return nil
}
