package control

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Telemetry は最新のレーザー・ズーム・フォーカス値
// 一度も取得できていない値は nil
type Telemetry struct {
	Laser     *float64  `json:"laser"`
	Zoom      *float64  `json:"zoom"`
	Focus     *float64  `json:"focus"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Reading は /data 1回分の解析結果
type Reading struct {
	Laser *float64
	Zoom  *float64
	Focus *float64
}

// merge は解析できた値だけを上書きする
func (t Telemetry) merge(r Reading, now time.Time) Telemetry {
	if r.Laser != nil {
		t.Laser = r.Laser
	}
	if r.Zoom != nil {
		t.Zoom = r.Zoom
	}
	if r.Focus != nil {
		t.Focus = r.Focus
	}
	t.UpdatedAt = now
	return t
}

// ParseData は /data のレスポンスを解析する
// 3要素以上の配列でなければ false を返す
func ParseData(body []byte) (Reading, bool) {
	if !gjson.ValidBytes(body) {
		return Reading{}, false
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return Reading{}, false
	}
	items := root.Array()
	if len(items) < 3 {
		return Reading{}, false
	}

	var r Reading
	if v, ok := ParseNumeric(items[0]); ok {
		r.Laser = &v
	}
	if v, ok := ParseNumeric(items[1]); ok {
		r.Zoom = &v
	}
	if v, ok := ParseNumeric(items[2]); ok {
		r.Focus = &v
	}
	return r, true
}

// ParseNumeric は1要素を数値として解釈する
//   - 数値はそのまま
//   - 文字列は前後の空白を除き、'{' '[' で始まればJSONとして、それ以外は先頭の数値部分を読む
//   - オブジェクト・配列は value フィールド、なければ最初の数値フィールド
func ParseNumeric(v gjson.Result) (float64, bool) {
	switch v.Type {
	case gjson.Number:
		return finite(v.Float())
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if s == "" {
			return 0, false
		}
		if s[0] == '{' || s[0] == '[' {
			if !gjson.Valid(s) {
				return 0, false
			}
			return numericField(gjson.Parse(s))
		}
		return leadingFloat(s)
	case gjson.JSON:
		return numericField(v)
	default:
		return 0, false
	}
}

// numericField はオブジェクト（または配列）から数値を取り出す
func numericField(obj gjson.Result) (float64, bool) {
	if obj.IsObject() {
		if value := obj.Get("value"); value.Exists() {
			switch value.Type {
			case gjson.Number:
				return finite(value.Float())
			case gjson.String:
				f, err := strconv.ParseFloat(strings.TrimSpace(value.Str), 64)
				if err != nil {
					return 0, false
				}
				return finite(f)
			default:
				return 0, false
			}
		}
	}

	var (
		found  bool
		result float64
	)
	obj.ForEach(func(_, field gjson.Result) bool {
		if field.Type == gjson.Number {
			result, found = field.Float(), true
			return false
		}
		return true
	})
	if !found {
		return 0, false
	}
	return finite(result)
}

var leadingNumber = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?`)

// leadingFloat は "12.5mm" のような文字列の先頭の数値を読む
func leadingFloat(s string) (float64, bool) {
	m := leadingNumber.FindString(s)
	if m == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return finite(f)
}

func finite(f float64) (float64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
