// Package payload decodes caller records and reshapes them into vault request
// bodies, preserving the single-or-batch shape of the input.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"microtoken/pkg/fields"
)

var (
	ErrParse         = errors.New("failed to parse json")
	ErrFieldNotFound = errors.New("field not found")
	ErrInvalidValue  = errors.New("unsupported value")
)

// FieldNotFoundError reports a record without any case variant of Field.
// Index is the batch position, or -1 for a single record.
type FieldNotFoundError struct {
	Field string
	Index int
}

func (e *FieldNotFoundError) Error() string {
	msg := fmt.Sprintf("Key `%s` or its case variations(e.g.: `%s`) were not found in request body",
		strings.ToLower(e.Field), strings.ToUpper(e.Field))
	if e.Index >= 0 {
		msg += fmt.Sprintf(" (item %d)", e.Index)
	}
	return msg
}

func (e *FieldNotFoundError) Is(target error) bool {
	return target == ErrFieldNotFound
}

type Entry struct {
	Key   string
	Value json.RawMessage
}

// Record keeps its keys in document order.
type Record struct {
	entries []Entry
}

func NewRecord(entries ...Entry) Record {
	return Record{entries: entries}
}

func (r Record) Len() int { return len(r.entries) }

// Input is either one Record or an ordered batch of Records.
type Input struct {
	records []Record
	batch   bool
}

func Single(r Record) Input { return Input{records: []Record{r}} }

func Batch(rs []Record) Input { return Input{records: rs, batch: true} }

func (in Input) IsBatch() bool { return in.batch }

func (in Input) Len() int { return len(in.records) }

// Parse accepts a JSON object or a JSON array of objects.
func Parse(raw []byte) (Input, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Input{}, fmt.Errorf("%w: empty body", ErrParse)
	}
	// encoding/json would silently replace invalid bytes with U+FFFD.
	if !utf8.Valid(trimmed) {
		return Input{}, fmt.Errorf("%w: body is not valid UTF-8", ErrParse)
	}
	var doc json.RawMessage
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return Input{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	switch trimmed[0] {
	case '{':
		rec, err := decodeRecord(trimmed)
		if err != nil {
			return Input{}, err
		}
		return Single(rec), nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return Input{}, fmt.Errorf("%w: %v", ErrParse, err)
		}
		records := make([]Record, 0, len(items))
		for i, item := range items {
			item = bytes.TrimSpace(item)
			if len(item) == 0 || item[0] != '{' {
				return Input{}, fmt.Errorf("%w: item %d is not a JSON object", ErrParse, i)
			}
			rec, err := decodeRecord(item)
			if err != nil {
				return Input{}, err
			}
			records = append(records, rec)
		}
		return Batch(records), nil
	default:
		return Input{}, fmt.Errorf("%w: body must be a JSON object or an array of objects", ErrParse)
	}
}

func decodeRecord(raw []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return Record{}, fmt.Errorf("%w: expected JSON object", ErrParse)
	}
	var entries []Entry
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrParse, err)
		}
		key, ok := tok.(string)
		if !ok {
			return Record{}, fmt.Errorf("%w: expected object key", ErrParse)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrParse, err)
		}
		entries = append(entries, Entry{Key: key, Value: value})
	}
	return Record{entries: entries}, nil
}

// Extract returns the value of the first key, in document order, equal to
// field ignoring case.
func Extract(r Record, field string) (json.RawMessage, error) {
	target := strings.ToLower(field)
	for _, e := range r.entries {
		if strings.ToLower(e.Key) == target {
			return e.Value, nil
		}
	}
	return nil, &FieldNotFoundError{Field: field, Index: -1}
}

// ValueKey is "data" for tokenize and "token" for detokenize.
func ValueKey(op fields.Operation) string {
	if op == fields.Tokenize {
		return "data"
	}
	return "token"
}

type Item struct {
	Key      string
	Value    string
	Template string
	Group    string
}

func (i Item) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for n, kv := range [][2]string{{i.Key, i.Value}, {"tokentemplate", i.Template}, {"tokengroup", i.Group}} {
		if n > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(kv[0])
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(kv[1])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Body marshals as a single object or an array, mirroring its Input.
type Body struct {
	items []Item
	batch bool
}

func (b Body) Len() int { return len(b.items) }

func (b Body) IsBatch() bool { return b.batch }

func (b Body) Items() []Item {
	return append([]Item(nil), b.items...)
}

func (b Body) MarshalJSON() ([]byte, error) {
	if b.batch {
		if b.items == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(b.items)
	}
	if len(b.items) != 1 {
		return nil, errors.New("single body must hold exactly one item")
	}
	return b.items[0].MarshalJSON()
}

// BuildVaultBody is all-or-nothing: the first record that fails aborts the
// whole body.
func BuildVaultBody(in Input, spec fields.Spec, op fields.Operation) (Body, error) {
	key := ValueKey(op)
	items := make([]Item, 0, len(in.records))
	for i, rec := range in.records {
		raw, err := Extract(rec, spec.Name)
		if err != nil {
			var nf *FieldNotFoundError
			if errors.As(err, &nf) && in.batch {
				nf.Index = i
			}
			return Body{}, err
		}
		value, err := scalarText(raw)
		if err != nil {
			if in.batch {
				return Body{}, fmt.Errorf("%w for `%s` (item %d): %s", ErrInvalidValue, spec.Name, i, err)
			}
			return Body{}, fmt.Errorf("%w for `%s`: %s", ErrInvalidValue, spec.Name, err)
		}
		items = append(items, Item{Key: key, Value: value, Template: spec.VaultTemplate, Group: spec.TokenGroup})
	}
	return Body{items: items, batch: in.batch}, nil
}

// scalarText keeps strings as-is and sends numbers and booleans as their
// literal text.
func scalarText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", errors.New("empty value")
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		return "", errors.New("nested values cannot be tokenized")
	case 'n':
		return "", errors.New("null cannot be tokenized")
	default:
		return string(raw), nil
	}
}
