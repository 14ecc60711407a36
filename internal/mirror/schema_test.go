package mirror

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestSchema_Validate(t *testing.T) {
	schema := &Schema{Fields: []Field{
		{Name: "name", Type: TypeString, Required: true},
		{Name: "age", Type: TypeNumber},
		{Name: "active", Type: TypeBoolean},
		{Name: "address", Type: TypeObject},
		{Name: "tags", Type: TypeArray},
		{Name: "extra", Type: TypeAny},
	}}

	tests := []struct {
		name    string
		doc     Document
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid document",
			doc: Document{
				"_id":     "u1",
				"name":    "Ada",
				"age":     json.Number("36"),
				"active":  true,
				"address": map[string]any{"city": "London"},
				"tags":    []any{"a"},
				"extra":   42,
			},
		},
		{
			name: "native numeric types",
			doc:  Document{"_id": "u1", "name": "Ada", "age": 36},
		},
		{
			name:    "missing id",
			doc:     Document{"name": "Ada"},
			wantErr: true,
			errMsg:  "no _id",
		},
		{
			name:    "missing required field",
			doc:     Document{"_id": "u1"},
			wantErr: true,
			errMsg:  `field "name" is required`,
		},
		{
			name:    "null required field",
			doc:     Document{"_id": "u1", "name": nil},
			wantErr: true,
			errMsg:  `field "name" is required`,
		},
		{
			name:    "wrong type",
			doc:     Document{"_id": "u1", "name": "Ada", "age": "old"},
			wantErr: true,
			errMsg:  `field "age" must be of type number`,
		},
		{
			name:    "object expected",
			doc:     Document{"_id": "u1", "name": "Ada", "address": "London"},
			wantErr: true,
			errMsg:  `field "address" must be of type object`,
		},
		{
			name:    "array expected",
			doc:     Document{"_id": "u1", "name": "Ada", "tags": "a,b"},
			wantErr: true,
			errMsg:  `field "tags" must be of type array`,
		},
		{
			name: "unknown fields allowed",
			doc:  Document{"_id": "u1", "name": "Ada", "nickname": "A"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.Validate(tt.doc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Errorf("expected ErrValidation, got %v", err)
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error %q does not contain %q", err.Error(), tt.errMsg)
				}
			}
		})
	}
}

func TestSchema_NilAcceptsAnyDocumentWithID(t *testing.T) {
	var schema *Schema

	if err := schema.Validate(Document{"_id": "x", "anything": 1}); err != nil {
		t.Errorf("nil schema rejected a document: %v", err)
	}
	if err := schema.Validate(Document{"anything": 1}); err == nil {
		t.Error("nil schema must still require an _id")
	}
}

func TestSchema_Check(t *testing.T) {
	tests := []struct {
		name    string
		schema  Schema
		wantErr bool
	}{
		{"valid", Schema{Fields: []Field{{Name: "a", Type: TypeString}, {Name: "b"}}}, false},
		{"empty name", Schema{Fields: []Field{{Type: TypeString}}}, true},
		{"duplicate", Schema{Fields: []Field{{Name: "a"}, {Name: "a"}}}, true},
		{"unknown type", Schema{Fields: []Field{{Name: "a", Type: "date"}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.schema.Check(); (err != nil) != tt.wantErr {
				t.Errorf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDocument_ID(t *testing.T) {
	tests := []struct {
		name    string
		doc     Document
		want    string
		wantErr bool
	}{
		{"string id", Document{"_id": "abc"}, "abc", false},
		{"object id", Document{"_id": map[string]any{"$oid": "65a1f0c2e4b0a1b2c3d4e5f6"}}, "65a1f0c2e4b0a1b2c3d4e5f6", false},
		{"numeric id", Document{"_id": json.Number("7")}, "7", false},
		{"missing", Document{"name": "x"}, "", true},
		{"empty string", Document{"_id": ""}, "", true},
		{"unsupported", Document{"_id": []any{1}}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.doc.ID()
			if (err != nil) != tt.wantErr {
				t.Fatalf("ID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDocument_HashIgnoresKeyOrder(t *testing.T) {
	a, _ := DecodeDocument([]byte(`{"_id":"1","a":1,"b":{"x":1,"y":2}}`))
	b, _ := DecodeDocument([]byte(`{"b":{"y":2,"x":1},"a":1,"_id":"1"}`))

	ha, err := a.Hash()
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	hb, _ := b.Hash()
	if ha != hb {
		t.Error("documents with equal content must hash equally")
	}

	b["a"] = json.Number("2")
	if hc, _ := b.Hash(); hc == ha {
		t.Error("changing a field must change the hash")
	}
}

func TestDecodeDocument_RejectsNonObject(t *testing.T) {
	if _, err := DecodeDocument([]byte(`null`)); err == nil {
		t.Error("expected error for null")
	}
	if _, err := DecodeDocument([]byte(`[1,2]`)); err == nil {
		t.Error("expected error for array")
	}
}
