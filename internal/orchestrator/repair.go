package orchestrator

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// parseResult decodes and validates a reasoner answer. When the strict pass
// fails it makes exactly one repair attempt. repaired reports whether the
// repair was needed.
func parseResult(raw string, def StageDefinition) (obj map[string]any, repaired bool, err error) {
	obj, err = decodeObject(raw)
	if err == nil {
		if err = validate(obj, def); err == nil {
			return obj, false, nil
		}
	}

	fixed, rerr := decodeObject(repairText(raw))
	if rerr != nil {
		return nil, true, eris.Wrap(err, "unrepairable result")
	}
	coerceLists(fixed, def)
	if verr := validate(fixed, def); verr != nil {
		return nil, true, verr
	}
	return fixed, true, nil
}

func decodeObject(raw string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, eris.Wrap(err, "result is not a JSON object")
	}
	if dec.More() {
		return nil, eris.New("result has trailing data after the JSON object")
	}
	if obj == nil {
		return nil, eris.New("result is null")
	}
	return obj, nil
}

// repairText strips code fences and surrounding prose, then trailing commas.
func repairText(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if i, j := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}'); i >= 0 && j > i {
		s = s[i : j+1]
	}
	return dropTrailingCommas(s)
}

// dropTrailingCommas removes a comma that is followed, after optional
// whitespace, by '}' or ']'. Commas inside string literals are kept.
func dropTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inString:
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
		case c == '"':
			inString = true
		case c == ',':
			j := i + 1
			for j < len(s) && strings.IndexByte(" \t\r\n", s[j]) >= 0 {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// coerceLists wraps a bare object in a one-element list for list fields.
func coerceLists(obj map[string]any, def StageDefinition) {
	for _, f := range def.Fields {
		if f.Kind != FieldList {
			continue
		}
		if v, ok := obj[f.Name].(map[string]any); ok {
			obj[f.Name] = []any{v}
		}
	}
}

// validate checks required fields and the shape of every present field.
func validate(obj map[string]any, def StageDefinition) error {
	for _, f := range def.Fields {
		v, ok := obj[f.Name]
		if !ok || v == nil {
			if f.Required {
				return eris.Errorf("missing required field %q", f.Name)
			}
			continue
		}
		if !hasKind(v, f.Kind) {
			return eris.Errorf("field %q must be a %s", f.Name, f.Kind)
		}
	}
	return nil
}

func hasKind(v any, k FieldKind) bool {
	switch k {
	case FieldList:
		_, ok := v.([]any)
		return ok
	case FieldObject:
		_, ok := v.(map[string]any)
		return ok
	case FieldString:
		_, ok := v.(string)
		return ok
	}
	return true
}

// normalize fills absent optional fields with their empty values and
// encodes the result. Keys come out sorted.
func normalize(obj map[string]any, def StageDefinition) (json.RawMessage, error) {
	coerceLists(obj, def)
	for _, f := range def.Fields {
		if v, ok := obj[f.Name]; !ok || v == nil {
			obj[f.Name] = f.Kind.emptyValue()
		}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return nil, eris.Wrap(err, "encode normalized result")
	}
	return json.RawMessage(bytes.TrimSpace(buf.Bytes())), nil
}
