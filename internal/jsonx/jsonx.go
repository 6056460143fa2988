// Package jsonx implements the coordination core's forward-compatibility
// rule (§6): a durable entity must preserve fields it does not itself know
// about across a read-modify-write cycle, so a newer writer's fields are
// never silently dropped by an older one. Durable top-level entities embed
// an Extra side channel and call these two helpers from their own
// MarshalJSON/UnmarshalJSON rather than hand-rolling the merge per type.
package jsonx

import "encoding/json"

// SplitUnknown unmarshals data into known (a pointer to a plain struct
// using a type-alias trick to avoid recursing back into a custom
// UnmarshalJSON) and returns every top-level key present in data that
// known's own marshaled form does not produce. A nil map is returned when
// there is nothing unrecognized, so callers can leave Extra nil on the
// common path.
func SplitUnknown(data []byte, known any) (map[string]json.RawMessage, error) {
	if err := json.Unmarshal(data, known); err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	knownBytes, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	var knownKeys map[string]json.RawMessage
	if err := json.Unmarshal(knownBytes, &knownKeys); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	for k, v := range all {
		if _, ok := knownKeys[k]; !ok {
			if extra == nil {
				extra = make(map[string]json.RawMessage)
			}
			extra[k] = v
		}
	}
	return extra, nil
}

// MergeUnknown marshals known, then merges extra's keys into the result
// without overwriting any key known itself defines, returning the combined
// document. A field a newer writer added and this version never learned
// about round-trips through this process untouched.
func MergeUnknown(known any, extra map[string]json.RawMessage) ([]byte, error) {
	knownBytes, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return knownBytes, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(knownBytes, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}
