package odb

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Datum is one column value. The zero Datum is the default value for
// every column type (0, 0.0, false, "", the nil UUID).
//
// A Datum does not know its own type; the column's [ColumnType] selects
// the interpretation, mirroring how values are stored on disk.
type Datum struct {
	value any // int64 | float64 | bool | string | uuid.UUID | nil
}

// datumFromJSON converts a decoded JSON value into a datum of the given
// type. A value of the wrong JSON shape yields a constraint error.
func datumFromJSON(columnType ColumnType, value any) (Datum, error) {
	switch columnType {
	case TypeInteger:
		number, ok := value.(json.Number)
		if !ok {
			return Datum{}, constraintErrf(nil, "expected integer, got %s", jsonTypeName(value))
		}

		i, err := strconv.ParseInt(number.String(), 10, 64)
		if err != nil {
			return Datum{}, constraintErrf(nil, "%q is not an integer", number.String())
		}

		return Datum{value: i}, nil

	case TypeReal:
		number, ok := value.(json.Number)
		if !ok {
			return Datum{}, constraintErrf(nil, "expected number, got %s", jsonTypeName(value))
		}

		f, err := number.Float64()
		if err != nil {
			return Datum{}, constraintErrf(nil, "%q is not a number", number.String())
		}

		return Datum{value: f}, nil

	case TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return Datum{}, constraintErrf(nil, "expected boolean, got %s", jsonTypeName(value))
		}

		return Datum{value: b}, nil

	case TypeString:
		s, ok := value.(string)
		if !ok {
			return Datum{}, constraintErrf(nil, "expected string, got %s", jsonTypeName(value))
		}

		return Datum{value: s}, nil

	case TypeUUID:
		s, ok := value.(string)
		if !ok {
			return Datum{}, constraintErrf(nil, "expected UUID string, got %s", jsonTypeName(value))
		}

		u, err := uuid.Parse(s)
		if err != nil {
			return Datum{}, constraintErrf(err, "%q is not a valid UUID", s)
		}

		return Datum{value: u}, nil

	default:
		return Datum{}, constraintErrf(nil, "unknown column type %q", columnType)
	}
}

// toJSON returns the datum's JSON value under the given type.
func (d Datum) toJSON(columnType ColumnType) any {
	switch columnType {
	case TypeInteger:
		return d.asInt()
	case TypeReal:
		return d.asFloat()
	case TypeBoolean:
		v, _ := d.value.(bool)

		return v
	case TypeString:
		v, _ := d.value.(string)

		return v
	case TypeUUID:
		return d.asUUID().String()
	default:
		return nil
	}
}

// isDefault reports whether the datum equals the type's default value.
func (d Datum) isDefault(columnType ColumnType) bool {
	if d.value == nil {
		return true
	}

	switch columnType {
	case TypeInteger:
		return d.asInt() == 0
	case TypeReal:
		return d.asFloat() == 0
	case TypeBoolean:
		v, _ := d.value.(bool)

		return !v
	case TypeString:
		v, _ := d.value.(string)

		return v == ""
	case TypeUUID:
		return d.asUUID() == uuid.Nil
	default:
		return true
	}
}

// equal reports whether two datums of the same type hold the same value.
func (d Datum) equal(other Datum, columnType ColumnType) bool {
	if d.isDefault(columnType) && other.isDefault(columnType) {
		return true
	}

	return d.value == other.value
}

// String renders the datum for human-readable output under the given
// type.
func (d Datum) String(columnType ColumnType) string {
	switch columnType {
	case TypeInteger:
		return strconv.FormatInt(d.asInt(), 10)
	case TypeReal:
		return strconv.FormatFloat(d.asFloat(), 'g', -1, 64)
	case TypeBoolean:
		v, _ := d.value.(bool)

		return strconv.FormatBool(v)
	case TypeString:
		v, _ := d.value.(string)

		return strconv.Quote(v)
	case TypeUUID:
		return d.asUUID().String()
	default:
		return fmt.Sprintf("%v", d.value)
	}
}

func (d Datum) asInt() int64 {
	v, _ := d.value.(int64)

	return v
}

func (d Datum) asFloat() float64 {
	v, _ := d.value.(float64)

	return v
}

func (d Datum) asUUID() uuid.UUID {
	v, _ := d.value.(uuid.UUID)

	return v
}

// jsonTypeName names a decoded JSON value's type for error messages.
func jsonTypeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", value)
	}
}
