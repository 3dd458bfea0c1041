package multiplex

import "encoding/json"

// decodeWarpLocals parses the Invoke message's warp_locals_payload, a JSON
// object of sandbox-local bindings to replay before the interaction
// sequencer runs (spec.md §4.3 step 4). An empty payload is not an error —
// it means no locals to replay.
func decodeWarpLocals(payload []byte) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var locals map[string]any
	if err := json.Unmarshal(payload, &locals); err != nil {
		return nil, err
	}
	return locals, nil
}
