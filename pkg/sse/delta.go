package sse

import "github.com/tidwall/gjson"

// DeltaPath is the gjson path of the generated text inside a frame payload.
const DeltaPath = "choices.0.delta.content"

// ExtractDelta returns the text fragment carried by a non-terminal frame
// payload. A payload that does not parse, lacks the path, or holds a
// non-string or empty value yields no delta.
func ExtractDelta(payload string) (string, bool) {
	if !gjson.Valid(payload) {
		return "", false
	}
	v := gjson.Get(payload, DeltaPath)
	if v.Type != gjson.String || v.Str == "" {
		return "", false
	}
	return v.Str, true
}
