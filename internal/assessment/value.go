package assessment

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// ValueType names the shape of an assessment value.
type ValueType string

const (
	ValueScore ValueType = "score"
	ValueTag   ValueType = "tag"
	ValueRange ValueType = "range"
	ValueText  ValueType = "text"
)

func (t ValueType) Valid() bool {
	switch t {
	case ValueScore, ValueTag, ValueRange, ValueText:
		return true
	}
	return false
}

// Range is an inclusive interval with Low <= High.
type Range struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Value is a tagged union keyed by Type. Only the field matching Type is meaningful.
type Value struct {
	Type  ValueType
	Score float64
	Tag   string
	Range Range
	Text  string
}

func ScoreValue(s float64) Value { return Value{Type: ValueScore, Score: s} }
func TagValue(tag string) Value  { return Value{Type: ValueTag, Tag: tag} }
func RangeValue(lo, hi float64) Value {
	return Value{Type: ValueRange, Range: Range{Low: lo, High: hi}}
}
func TextValue(text string) Value { return Value{Type: ValueText, Text: text} }

func (v Value) IsZero() bool { return v.Type == "" }

// Equal compares only the active variant.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case ValueScore:
		return v.Score == o.Score
	case ValueTag:
		return v.Tag == o.Tag
	case ValueRange:
		return v.Range == o.Range
	case ValueText:
		return v.Text == o.Text
	}
	return true
}

// String renders the value as plain text for prompts and embeddings.
func (v Value) String() string {
	switch v.Type {
	case ValueScore:
		return strconv.FormatFloat(v.Score, 'f', -1, 64)
	case ValueTag:
		return v.Tag
	case ValueRange:
		return fmt.Sprintf("%s-%s",
			strconv.FormatFloat(v.Range.Low, 'f', -1, 64),
			strconv.FormatFloat(v.Range.High, 'f', -1, 64))
	case ValueText:
		return v.Text
	}
	return ""
}

// Validate checks the active variant against its own constraints.
func (v Value) Validate() error {
	switch v.Type {
	case ValueScore:
		if math.IsNaN(v.Score) || v.Score < 0 || v.Score > 1 {
			return fmt.Errorf("score %v outside [0,1]", v.Score)
		}
	case ValueTag:
		if strings.TrimSpace(v.Tag) == "" {
			return errors.New("empty tag")
		}
	case ValueRange:
		if math.IsNaN(v.Range.Low) || math.IsNaN(v.Range.High) {
			return errors.New("range bound is NaN")
		}
		if v.Range.Low > v.Range.High {
			return fmt.Errorf("range low %v above high %v", v.Range.Low, v.Range.High)
		}
	case ValueText:
		if strings.TrimSpace(v.Text) == "" {
			return errors.New("empty text")
		}
	default:
		return fmt.Errorf("unknown value type %q", v.Type)
	}
	return nil
}

// MarshalJSON writes the value_data shape: {"score":x}, {"tag":s}, {"range":{...}} or {"text":s}.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Type {
	case ValueScore:
		return json.Marshal(map[string]float64{"score": v.Score})
	case ValueTag:
		return json.Marshal(map[string]string{"tag": v.Tag})
	case ValueRange:
		return json.Marshal(map[string]Range{"range": v.Range})
	case ValueText:
		return json.Marshal(map[string]string{"text": v.Text})
	case "":
		return []byte("null"), nil
	}
	return nil, fmt.Errorf("marshal value: unknown type %q", v.Type)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Value{}
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("unmarshal value: expected exactly one key, got %d", len(raw))
	}
	for key, payload := range raw {
		var out Value
		out.Type = ValueType(key)
		var err error
		switch out.Type {
		case ValueScore:
			err = json.Unmarshal(payload, &out.Score)
		case ValueTag:
			err = json.Unmarshal(payload, &out.Tag)
		case ValueRange:
			out.Range, err = decodeRange(payload)
		case ValueText:
			err = json.Unmarshal(payload, &out.Text)
		default:
			return fmt.Errorf("unmarshal value: unknown type %q", key)
		}
		if err != nil {
			return fmt.Errorf("unmarshal %s value: %w", key, err)
		}
		*v = out
	}
	return nil
}

// ParseValue decodes a model-produced payload for the given type. Tags are
// normalised to lower case; ranges may be an object or a two-element array.
func ParseValue(t ValueType, raw []byte) (Value, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Value{}, errors.New("missing value")
	}
	var v Value
	switch t {
	case ValueScore:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			var s string
			if json.Unmarshal(raw, &s) != nil {
				return Value{}, fmt.Errorf("score is not a number: %s", raw)
			}
			parsed, perr := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if perr != nil {
				return Value{}, fmt.Errorf("score is not a number: %s", raw)
			}
			f = parsed
		}
		v = ScoreValue(f)
	case ValueTag:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, fmt.Errorf("tag is not a string: %s", raw)
		}
		v = TagValue(strings.ToLower(strings.TrimSpace(s)))
	case ValueRange:
		r, err := decodeRange(raw)
		if err != nil {
			return Value{}, err
		}
		v = RangeValue(r.Low, r.High)
	case ValueText:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, fmt.Errorf("text is not a string: %s", raw)
		}
		v = TextValue(strings.TrimSpace(s))
	default:
		return Value{}, fmt.Errorf("unknown value type %q", t)
	}
	if err := v.Validate(); err != nil {
		return Value{}, err
	}
	return v, nil
}

// decodeRange accepts {"low":x,"high":y} with exactly those keys, or [x,y].
// Missing, null or extra keys are rejected rather than read as zero.
func decodeRange(raw []byte) (Range, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		var bounds struct {
			Low  *float64 `json:"low"`
			High *float64 `json:"high"`
		}
		if len(obj) != 2 {
			return Range{}, fmt.Errorf("range needs exactly low and high: %s", raw)
		}
		if err := json.Unmarshal(raw, &bounds); err != nil {
			return Range{}, fmt.Errorf("range bounds are not numbers: %s", raw)
		}
		if bounds.Low == nil || bounds.High == nil {
			return Range{}, fmt.Errorf("range needs exactly low and high: %s", raw)
		}
		return Range{Low: *bounds.Low, High: *bounds.High}, nil
	}
	var pair []*float64
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 || pair[0] == nil || pair[1] == nil {
		return Range{}, fmt.Errorf("range is neither {low,high} nor [low,high]: %s", raw)
	}
	return Range{Low: *pair[0], High: *pair[1]}, nil
}
