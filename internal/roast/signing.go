package roast

import (
	"encoding/json"
	"fmt"
)

// SigningBytes recomputes the byte representation a device signs: the wire
// payload with the sig field removed, re-marshalled with sorted keys.
// encoding/json sorts map keys at every nesting level, so the output is
// deterministic for any JSON object regardless of the order the device
// serialized it in.
func (e *Envelope) SigningBytes() ([]byte, error) {
	if len(e.Raw) == 0 {
		return nil, fmt.Errorf("envelope has no raw payload")
	}
	var obj map[string]any
	if err := json.Unmarshal(e.Raw, &obj); err != nil {
		return nil, fmt.Errorf("raw payload is not an object: %w", err)
	}
	delete(obj, "sig")
	canonical, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return canonical, nil
}
