package patient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/odsaligners-portal/crm-sub003/internal/casefields"
)

// ParsePatch validates a client update body. Server-managed and unknown keys
// are rejected, string fields must be strings (null clears to ""), enum
// fields must hold a listed value, and scanFiles must be a well-formed slot
// map.
func ParsePatch(body map[string]json.RawMessage) (Fields, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: no fields to update", ErrInvalidField)
	}

	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(Fields, len(body))
	for _, key := range keys {
		raw := body[key]
		if casefields.IsServerManaged(key) {
			return nil, fmt.Errorf("%w: %s is managed by the server", ErrInvalidField, key)
		}
		if _, ok := casefields.OwnerOf(key); !ok {
			return nil, fmt.Errorf("%w: unknown field %s", ErrInvalidField, key)
		}

		if key == casefields.ScanFiles {
			files, err := decodeScanFiles(raw)
			if err != nil {
				return nil, err
			}
			out[key] = files
			continue
		}

		value, err := decodeString(key, raw)
		if err != nil {
			return nil, err
		}
		if !casefields.ValidEnum(key, value) {
			return nil, fmt.Errorf("%w: %q is not a valid value for %s", ErrInvalidField, value, key)
		}
		out[key] = value
	}
	return out, nil
}

// ParseCreate validates a create body: only step-1 fields are accepted and
// the step-1 form rules apply.
func ParseCreate(body map[string]json.RawMessage) (Fields, error) {
	fields, err := ParsePatch(body)
	if err != nil {
		return nil, err
	}
	for key := range fields {
		if step, _ := casefields.OwnerOf(key); step != casefields.StepDetails {
			return nil, fmt.Errorf("%w: %s cannot be set when creating a record", ErrInvalidField, key)
		}
	}
	if err := casefields.ValidateStep(casefields.StepDetails, fields.Strings()); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidField, err.Error())
	}
	if phone := fields.String(casefields.ContactNumber); phone != "" {
		fields[casefields.ContactNumber] = casefields.NormalizePhone(phone, fields.String(casefields.Country))
	}
	return fields, nil
}

func decodeString(key string, raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		// Numeric ages are accepted and stored as text.
		var n json.Number
		if key == casefields.Age && json.Unmarshal(raw, &n) == nil {
			return n.String(), nil
		}
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidField, key)
	}
	return s, nil
}

func decodeScanFiles(raw json.RawMessage) (casefields.ScanFileMap, error) {
	var files casefields.ScanFileMap
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&files); err != nil || files == nil {
		return nil, fmt.Errorf("%w: scanFiles must map slot names to file arrays", ErrInvalidField)
	}
	if err := files.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidField, err.Error())
	}
	return files, nil
}

// DecodeStored converts persisted JSON details into Fields. Unlike ParsePatch
// it is lenient: it never rejects what the store already holds.
func DecodeStored(data []byte) (Fields, error) {
	if len(data) == 0 {
		return Fields{}, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode details: %w", err)
	}
	out := make(Fields, len(raw))
	for k, v := range raw {
		if k == casefields.ScanFiles {
			var files casefields.ScanFileMap
			if err := json.Unmarshal(v, &files); err != nil {
				return nil, fmt.Errorf("decode scanFiles: %w", err)
			}
			out[k] = files
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			s = string(bytes.Trim(v, `"`))
		}
		out[k] = s
	}
	return out, nil
}
