package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownTool     = errors.New("unknown tool")
	ErrMissingArgument = errors.New("missing required argument")
	ErrInvalidArgument = errors.New("invalid arguments")
)

// decodeArgs checks that every required key is present and non-null, then
// decodes raw into the tool's request type.
func decodeArgs[T any](raw json.RawMessage, required ...string) (T, error) {
	var req T
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return req, fmt.Errorf("%w: expected a JSON object: %v", ErrInvalidArgument, err)
	}
	for _, key := range required {
		v, ok := fields[key]
		if !ok || string(bytes.TrimSpace(v)) == "null" {
			return req, fmt.Errorf("%w %q", ErrMissingArgument, key)
		}
	}

	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return req, nil
}

// stringList accepts either a JSON array of strings or a single string that
// may hold several space or comma separated values.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = cleanList(list)
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return fmt.Errorf("expected string or list of strings")
	}
	*s = cleanList(strings.FieldsFunc(single, func(r rune) bool { return r == ',' || r == ' ' }))
	return nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
