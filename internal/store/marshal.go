package store

import (
	"fmt"

	"github.com/roach88/evidence/internal/ir"
)

// marshalObject converts an Object to canonical JSON TEXT for storage.
func marshalObject(obj ir.Object) (string, error) {
	if obj == nil {
		obj = ir.Object{}
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// unmarshalObject parses canonical JSON TEXT. Large integers keep full
// precision and floats are rejected.
func unmarshalObject(data string) (ir.Object, error) {
	if data == "" || data == "{}" {
		return ir.Object{}, nil
	}
	return ir.ParseObject([]byte(data))
}

func marshalFeeVector(v ir.FeeVector) (string, error) {
	s, err := marshalObject(v.Object())
	if err != nil {
		return "", fmt.Errorf("marshal fee vector: %w", err)
	}
	return s, nil
}

func unmarshalFeeVector(data string) (ir.FeeVector, error) {
	obj, err := unmarshalObject(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal fee vector: %w", err)
	}
	return ir.FeeVectorFromObject(obj)
}
