package mapping

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Transform is a parsed transform expression. Expressions are JSON documents:
//
//	{
//	  "when":    "success" | "error" | "always",
//	  "select":  "<path>",
//	  "fields":  {"<out>": "<path>" | {"path": "<path>", "default": <v>, "op": "<op>"}},
//	  "default": <v>
//	}
//
// Only path lookups, literal defaults and the string ops below are available.
type Transform struct {
	When     string
	Select   string
	Fields   []FieldSpec
	Default  json.RawMessage
	hasField bool
}

// FieldSpec builds one output field.
type FieldSpec struct {
	Out     string
	Path    string
	Op      string
	Default json.RawMessage
}

// ErrNoMatch is returned when a transform selects nothing and declares no default.
var ErrNoMatch = errors.New("transform matched nothing")

var validOps = map[string]bool{
	"":       true,
	"lower":  true,
	"upper":  true,
	"trim":   true,
	"string": true,
	"first":  true,
	"count":  true,
}

var outNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`)

type rawTransform struct {
	When    string                     `json:"when"`
	Select  string                     `json:"select"`
	Fields  map[string]json.RawMessage `json:"fields"`
	Default json.RawMessage            `json:"default"`
}

type rawField struct {
	Path    string          `json:"path"`
	Op      string          `json:"op"`
	Default json.RawMessage `json:"default"`
}

// ParseTransform parses and checks a transform expression.
func ParseTransform(expr string) (*Transform, error) {
	dec := json.NewDecoder(strings.NewReader(expr))
	dec.DisallowUnknownFields()
	var rt rawTransform
	if err := dec.Decode(&rt); err != nil {
		return nil, fmt.Errorf("ParseTransform: %w", err)
	}

	t := &Transform{When: rt.When, Select: normalizePath(rt.Select), Default: rt.Default}
	switch t.When {
	case "":
		t.When = "success"
	case "success", "error", "always":
	default:
		return nil, fmt.Errorf("ParseTransform: unknown when %q", rt.When)
	}

	if len(rt.Fields) > 0 {
		t.hasField = true
		for _, out := range sortedRawKeys(rt.Fields) {
			if !outNamePattern.MatchString(out) {
				return nil, fmt.Errorf("ParseTransform: invalid output field %q", out)
			}
			spec, err := parseField(out, rt.Fields[out])
			if err != nil {
				return nil, err
			}
			t.Fields = append(t.Fields, spec)
		}
	}
	if t.Select == "" && !t.hasField {
		return nil, errors.New("ParseTransform: expression needs select or fields")
	}
	return t, nil
}

func parseField(out string, raw json.RawMessage) (FieldSpec, error) {
	var path string
	if err := json.Unmarshal(raw, &path); err == nil {
		if path == "" {
			return FieldSpec{}, fmt.Errorf("ParseTransform: field %q has empty path", out)
		}
		return FieldSpec{Out: out, Path: normalizePath(path)}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var rf rawField
	if err := dec.Decode(&rf); err != nil {
		return FieldSpec{}, fmt.Errorf("ParseTransform: field %q: %w", out, err)
	}
	if rf.Path == "" {
		return FieldSpec{}, fmt.Errorf("ParseTransform: field %q has empty path", out)
	}
	if !validOps[rf.Op] {
		return FieldSpec{}, fmt.Errorf("ParseTransform: field %q has unknown op %q", out, rf.Op)
	}
	return FieldSpec{Out: out, Path: normalizePath(rf.Path), Op: rf.Op, Default: rf.Default}, nil
}

// AppliesTo reports whether the transform runs for the given outcome.
func (t *Transform) AppliesTo(success bool) bool {
	switch t.When {
	case "always":
		return true
	case "error":
		return !success
	default:
		return success
	}
}

// Apply evaluates the transform against a JSON body.
func (t *Transform) Apply(raw []byte) (any, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("Apply: body is not JSON")
	}

	doc := raw
	if t.Select != "" {
		sel := gjson.GetBytes(raw, t.Select)
		if !sel.Exists() {
			if len(t.Default) > 0 {
				return decodeRaw(t.Default)
			}
			return nil, fmt.Errorf("Apply: select %q: %w", t.Select, ErrNoMatch)
		}
		doc = []byte(sel.Raw)
	}

	if !t.hasField {
		return decodeRaw(doc)
	}

	// Fields over an array map element-wise.
	if parsed := gjson.ParseBytes(doc); parsed.IsArray() {
		items := parsed.Array()
		out := make([]any, 0, len(items))
		for _, item := range items {
			v, err := t.buildObject([]byte(item.Raw))
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	return t.buildObject(doc)
}

func (t *Transform) buildObject(doc []byte) (any, error) {
	out := []byte(`{}`)
	for _, f := range t.Fields {
		res := gjson.GetBytes(doc, f.Path)
		var err error
		switch {
		case res.Exists():
			out, err = sjson.SetBytes(out, f.Out, applyOp(f.Op, res))
		case len(f.Default) > 0:
			out, err = sjson.SetRawBytes(out, f.Out, f.Default)
		default:
			out, err = sjson.SetRawBytes(out, f.Out, []byte("null"))
		}
		if err != nil {
			return nil, fmt.Errorf("Apply: field %q: %w", f.Out, err)
		}
	}
	return decodeRaw(out)
}

func applyOp(op string, res gjson.Result) any {
	switch op {
	case "lower":
		return strings.ToLower(res.String())
	case "upper":
		return strings.ToUpper(res.String())
	case "trim":
		return strings.TrimSpace(res.String())
	case "string":
		return res.String()
	case "first":
		if res.IsArray() {
			items := res.Array()
			if len(items) == 0 {
				return nil
			}
			return resultValue(items[0])
		}
		return resultValue(res)
	case "count":
		if res.IsArray() {
			return len(res.Array())
		}
		return 1
	default:
		return resultValue(res)
	}
}

func decodeRaw(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decodeRaw: %w", err)
	}
	return v, nil
}

func sortedRawKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
