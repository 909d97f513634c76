package fieldmap

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/iago/erpnext-dispatch/internal/domain"
)

type Transform string

const (
	TransformNone    Transform = ""
	TransformDate    Transform = "date"
	TransformNumber  Transform = "number"
	TransformInteger Transform = "integer"
	// TransformLike turns a search term into a Frappe "like" condition.
	TransformLike Transform = "like"
)

var dateLayouts = []string{
	domain.DateLayout,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
}

func (t Transform) valid() bool {
	switch t {
	case TransformNone, TransformDate, TransformNumber, TransformInteger, TransformLike:
		return true
	default:
		return false
	}
}

func (t Transform) expected() string {
	switch t {
	case TransformDate:
		return "date (YYYY-MM-DD)"
	case TransformNumber:
		return "number"
	case TransformInteger:
		return "integer"
	case TransformLike:
		return "text"
	default:
		return "any"
	}
}

func (t Transform) apply(value any) (any, error) {
	switch t {
	case TransformDate:
		return NormalizeDate(value)
	case TransformNumber:
		return toFloat(value)
	case TransformInteger:
		return toInt(value)
	case TransformLike:
		text, ok := value.(string)
		if !ok {
			return nil, errors.New("not a string")
		}
		return []any{"like", "%" + strings.TrimSpace(text) + "%"}, nil
	default:
		return value, nil
	}
}

// NormalizeDate renders value as YYYY-MM-DD.
func NormalizeDate(value any) (string, error) {
	switch typed := value.(type) {
	case time.Time:
		return typed.Format(domain.DateLayout), nil
	case string:
		text := strings.TrimSpace(typed)
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, text); err == nil {
				return parsed.Format(domain.DateLayout), nil
			}
		}
		return "", errors.New("unparsable date")
	default:
		return "", fmt.Errorf("unsupported date type %T", value)
	}
}

// maxExactInteger is the largest magnitude a float64 holds without losing
// integer precision.
const maxExactInteger = 1 << 53

func toInt(value any) (int, error) {
	if number, ok := value.(json.Number); ok {
		if whole, err := number.Int64(); err == nil {
			if whole < math.MinInt || whole > math.MaxInt {
				return 0, errors.New("out of range")
			}
			return int(whole), nil
		}
	}

	number, err := toFloat(value)
	if err != nil {
		return 0, err
	}
	if number != math.Trunc(number) {
		return 0, errors.New("not a whole number")
	}
	if number > maxExactInteger || number < -maxExactInteger {
		return 0, errors.New("out of range")
	}
	return int(number), nil
}

func toFloat(value any) (float64, error) {
	var number float64
	switch typed := value.(type) {
	case float64:
		number = typed
	case float32:
		number = float64(typed)
	case int:
		number = float64(typed)
	case int32:
		number = float64(typed)
	case int64:
		number = float64(typed)
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0, errors.New("not a number")
		}
		number = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, errors.New("not a number")
		}
		number = parsed
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", value)
	}
	if math.IsNaN(number) || math.IsInf(number, 0) {
		return 0, errors.New("not a finite number")
	}
	return number, nil
}
