package jobs

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
)

// Result is the outcome of a completed job. The concrete type is fixed by the job type.
type Result interface {
	Kind() Type
}

type PrimeResult struct {
	Count  int   `json:"count"`
	Sample []int `json:"sample"`
}

func (PrimeResult) Kind() Type { return TypePrime }

type SortResult struct {
	Count  int   `json:"count"`
	Sample []int `json:"sample"`
}

func (SortResult) Kind() Type { return TypeSort }

type BcryptResult struct {
	Hash   string `json:"hash"`
	Rounds int    `json:"rounds"`
}

func (BcryptResult) Kind() Type { return TypeBcrypt }

// EncodeResult serializes r for the result column.
func EncodeResult(r Result) (datatypes.JSON, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", r.Kind(), err)
	}
	return datatypes.JSON(b), nil
}

func decodeResult(t Type, raw []byte) (Result, error) {
	var (
		r   Result
		err error
	)
	switch t {
	case TypePrime:
		var v PrimeResult
		err = json.Unmarshal(raw, &v)
		r = v
	case TypeSort:
		var v SortResult
		err = json.Unmarshal(raw, &v)
		r = v
	case TypeBcrypt:
		var v BcryptResult
		err = json.Unmarshal(raw, &v)
		r = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s result: %w", t, err)
	}
	return r, nil
}
