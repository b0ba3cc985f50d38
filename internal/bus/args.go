package bus

import "encoding/json"

// Args is the positional argument array carried by every bus message.
// On the wire it is a JSON array; numbers decode as float64 per
// encoding/json and are normalized by the accessors below.
type Args []any

// EncodeArgs marshals a positional argument list to its wire form.
func EncodeArgs(args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return json.Marshal(args)
}

// DecodeArgs unmarshals a wire payload into an argument list. An empty
// payload decodes as an empty argument list, matching daemons that
// post bare notifications.
func DecodeArgs(payload []byte) (Args, error) {
	if len(payload) == 0 {
		return Args{}, nil
	}
	var args Args
	if err := json.Unmarshal(payload, &args); err != nil {
		return nil, err
	}
	return args, nil
}

// String returns the argument at index i as a string, or "" if the
// index is out of range or the argument is not a string.
func (a Args) String(i int) string {
	if i < 0 || i >= len(a) {
		return ""
	}
	s, _ := a[i].(string)
	return s
}

// Int returns the argument at index i as an int, or 0 if the index is
// out of range or the argument is not numeric.
func (a Args) Int(i int) int {
	if i < 0 || i >= len(a) {
		return 0
	}
	switch v := a[i].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	}
	return 0
}
