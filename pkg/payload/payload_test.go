package payload

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"microtoken/pkg/fields"
)

var cpfSpec = fields.Spec{Name: "cpf", VaultTemplate: "CPF", TokenGroup: "defaultGroup"}

func TestParseShapes(t *testing.T) {
	in, err := Parse([]byte(` {"cpf": "1"} `))
	if err != nil {
		t.Fatalf("parse single: %v", err)
	}
	if in.IsBatch() || in.Len() != 1 {
		t.Fatalf("expected single input, got batch=%v len=%d", in.IsBatch(), in.Len())
	}
	in, err = Parse([]byte(`[{"cpf":"1"},{"cpf":"2"},{"cpf":"3"}]`))
	if err != nil {
		t.Fatalf("parse batch: %v", err)
	}
	if !in.IsBatch() || in.Len() != 3 {
		t.Fatalf("expected batch of 3, got batch=%v len=%d", in.IsBatch(), in.Len())
	}
}

func TestParseErrors(t *testing.T) {
	for name, raw := range map[string]string{
		"empty":           "",
		"malformed":       `{"cpf":`,
		"scalar":          `"cpf"`,
		"number":          `42`,
		"batch_scalar":    `[{"cpf":"1"}, 2]`,
		"batch_nested":    `[[{"cpf":"1"}]]`,
		"trailing_junk":   `{"cpf":"1"} x`,
		"single_quotes":   `{'cpf': '1'}`,
		"whitespace_only": "  \n ",
		"invalid_utf8":    "{\"cpf\": \"12\xff34\"}",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(raw)); !errors.Is(err, ErrParse) {
				t.Fatalf("expected ErrParse, got %v", err)
			}
		})
	}
}

func TestExtractIgnoresCase(t *testing.T) {
	for _, key := range []string{"cpf", "CPF", "Cpf", "cPf"} {
		in, err := Parse([]byte(`{"name":"x","` + key + `":"111.111.111-11"}`))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		v, err := Extract(in.records[0], "cpf")
		if err != nil {
			t.Fatalf("extract with key %q: %v", key, err)
		}
		if string(v) != `"111.111.111-11"` {
			t.Fatalf("unexpected value %s", v)
		}
	}
}

func TestExtractMissingField(t *testing.T) {
	in, _ := Parse([]byte(`{"name":"x","cpf_number":"1"}`))
	_, err := Extract(in.records[0], "cpf")
	if !errors.Is(err, ErrFieldNotFound) {
		t.Fatalf("expected ErrFieldNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "Key `cpf` or its case variations(e.g.: `CPF`)") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestExtractFirstCaseVariantWins(t *testing.T) {
	in, _ := Parse([]byte(`{"Cpf":"first","CPF":"second"}`))
	v, err := Extract(in.records[0], "cpf")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if string(v) != `"first"` {
		t.Fatalf("expected document order tie-break, got %s", v)
	}
}

func TestBuildVaultBodySingle(t *testing.T) {
	in, _ := Parse([]byte(`{"cpf": "111.111.111-11"}`))
	body, err := BuildVaultBody(in, cpfSpec, fields.Tokenize)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"data":"111.111.111-11","tokentemplate":"CPF","tokengroup":"defaultGroup"}`
	if string(raw) != want {
		t.Fatalf("got %s want %s", raw, want)
	}
}

func TestBuildVaultBodyBatchPreservesOrder(t *testing.T) {
	in, _ := Parse([]byte(`[{"CPF": "A"}, {"Cpf": "B"}]`))
	body, err := BuildVaultBody(in, cpfSpec, fields.Tokenize)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !body.IsBatch() || body.Len() != 2 {
		t.Fatalf("expected batch of 2, got batch=%v len=%d", body.IsBatch(), body.Len())
	}
	raw, _ := json.Marshal(body)
	want := `[{"data":"A","tokentemplate":"CPF","tokengroup":"defaultGroup"},{"data":"B","tokentemplate":"CPF","tokengroup":"defaultGroup"}]`
	if string(raw) != want {
		t.Fatalf("got %s want %s", raw, want)
	}
}

func TestBuildVaultBodyDetokenizeUsesTokenKey(t *testing.T) {
	in, _ := Parse([]byte(`{"cpf": "t0#8tDWwe-OjS"}`))
	body, err := BuildVaultBody(in, cpfSpec, fields.Detokenize)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	items := body.Items()
	if items[0].Key != "token" || items[0].Value != "t0#8tDWwe-OjS" {
		t.Fatalf("unexpected item %+v", items[0])
	}
	if ValueKey(fields.Tokenize) != "data" || ValueKey(fields.Detokenize) != "token" {
		t.Fatal("unexpected value keys")
	}
}

func TestBuildVaultBodyAllOrNothing(t *testing.T) {
	in, _ := Parse([]byte(`[{"cpf":"A"},{"name":"x"},{"other":"y"}]`))
	_, err := BuildVaultBody(in, cpfSpec, fields.Tokenize)
	var nf *FieldNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected FieldNotFoundError, got %v", err)
	}
	if nf.Index != 1 {
		t.Fatalf("expected first failing item 1, got %d", nf.Index)
	}
	if !strings.Contains(err.Error(), "(item 1)") {
		t.Fatalf("expected item index in message: %v", err)
	}
}

func TestBuildVaultBodyEmptyBatch(t *testing.T) {
	in, _ := Parse([]byte(`[]`))
	body, err := BuildVaultBody(in, cpfSpec, fields.Tokenize)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	raw, _ := json.Marshal(body)
	if string(raw) != "[]" {
		t.Fatalf("expected empty array, got %s", raw)
	}
}

func TestBuildVaultBodyScalarValues(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "number", raw: `{"cpf": 11111111111}`, want: "11111111111"},
		{name: "bool", raw: `{"cpf": true}`, want: "true"},
		{name: "escaped", raw: `{"cpf": "a\"b"}`, want: `a"b`},
		{name: "null", raw: `{"cpf": null}`, wantErr: true},
		{name: "object", raw: `{"cpf": {"v":1}}`, wantErr: true},
		{name: "array", raw: `{"cpf": [1]}`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in, err := Parse([]byte(tc.raw))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			body, err := BuildVaultBody(in, cpfSpec, fields.Tokenize)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidValue) {
					t.Fatalf("expected ErrInvalidValue, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if got := body.Items()[0].Value; got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestSingleBodyRequiresOneItem(t *testing.T) {
	if _, err := json.Marshal(Body{}); err == nil {
		t.Fatal("expected marshal error for empty single body")
	}
	in := Single(NewRecord(Entry{Key: "CPF", Value: json.RawMessage(`"9"`)}))
	body, err := BuildVaultBody(in, cpfSpec, fields.Tokenize)
	if err != nil || body.IsBatch() || body.Len() != 1 {
		t.Fatalf("unexpected body: %+v err=%v", body, err)
	}
}
