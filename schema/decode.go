package schema

import (
	"encoding/json"

	"github.com/BaSui01/extractflow/types"
)

// DecodeInto maps a validated (or partial) payload tree onto a typed
// value via JSON round-trip, so struct tags drive the field mapping the
// same way they drove schema generation.
func DecodeInto[T any](payload any) (*T, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "encode payload: "+err.Error()).WithCause(err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, types.NewError(types.ErrParse, "decode into target type: "+err.Error()).WithCause(err)
	}
	return out, nil
}
