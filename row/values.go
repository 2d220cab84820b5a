package row

import (
	"bytes"
	"cmp"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// CompareValues compares two non-nil values of the same Go type as returned
// by Row.Get.
func CompareValues(a, b any) int {
	switch av := a.(type) {
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case int8:
		return cmp.Compare(av, b.(int8))
	case int16:
		return cmp.Compare(av, b.(int16))
	case int32:
		return cmp.Compare(av, b.(int32))
	case int64:
		return cmp.Compare(av, b.(int64))
	case float32:
		return cmp.Compare(av, b.(float32))
	case float64:
		return cmp.Compare(av, b.(float64))
	case string:
		return strings.Compare(av, b.(string))
	case []byte:
		return bytes.Compare(av, b.([]byte))
	default:
		panic(fmt.Sprintf("row: cannot compare %T", a))
	}
}

type rowJSON struct {
	Arity int    `json:"arity"`
	Data  string `json:"data"`
}

// MarshalJSON encodes the row as its arity and base64 bytes. A zero row
// encodes as null.
func (r Row) MarshalJSON() ([]byte, error) {
	if r.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(rowJSON{Arity: r.arity, Data: base64.StdEncoding.EncodeToString(r.Bytes())})
}

func (r *Row) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*r = Row{}
		return nil
	}
	var v rowJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	data, err := base64.StdEncoding.DecodeString(v.Data)
	if err != nil {
		return fmt.Errorf("row: decode json: %w", err)
	}
	*r = FromBytes(data, v.Arity)
	return nil
}
