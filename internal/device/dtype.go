package device

import (
	"fmt"
	"strings"
)

// DataType tags the element encoding of a Buffer. The model's activation
// precision is one of FP32, FP16 or BF16 and is fixed per instance.
type DataType int

const (
	TypeInvalid DataType = iota
	TypeFP32
	TypeFP16
	TypeBF16
	TypeINT8
	TypeINT32
	TypeBool
	TypePointer // host-side array of tensor references
)

var dataTypeNames = map[DataType]string{
	TypeInvalid: "invalid",
	TypeFP32:    "fp32",
	TypeFP16:    "fp16",
	TypeBF16:    "bf16",
	TypeINT8:    "int8",
	TypeINT32:   "int32",
	TypeBool:    "bool",
	TypePointer: "pointer",
}

func (d DataType) String() string {
	if s, ok := dataTypeNames[d]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%d)", int(d))
}

// Size returns the number of bytes per element. Pointer arrays carry no
// device storage and report zero.
func (d DataType) Size() int {
	switch d {
	case TypeFP32, TypeINT32:
		return 4
	case TypeFP16, TypeBF16:
		return 2
	case TypeINT8, TypeBool:
		return 1
	default:
		return 0
	}
}

// IsFloat reports whether d is one of the activation precisions.
func (d DataType) IsFloat() bool {
	return d == TypeFP32 || d == TypeFP16 || d == TypeBF16
}

// ParseDataType accepts the names printed by String.
func ParseDataType(s string) (DataType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d, name := range dataTypeNames {
		if name == s && d != TypeInvalid {
			return d, nil
		}
	}
	return TypeInvalid, fmt.Errorf("unknown data type %q", s)
}
