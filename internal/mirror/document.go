package mirror

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// IDField is the document key holding the unique id.
const IDField = "_id"

// ErrMissingID is returned for documents without a usable _id.
var ErrMissingID = errors.New("document has no _id")

// Document is a single JSON object stored in a collection.
//
// The _id is either a plain string or an Extended JSON ObjectID ({"$oid": "..."}),
// which is how documents pulled from MongoDB arrive.
type Document map[string]any

// ID returns the string form of the document's _id.
func (d Document) ID() (string, error) {
	raw, ok := d[IDField]
	if !ok || raw == nil {
		return "", ErrMissingID
	}

	switch v := raw.(type) {
	case string:
		if v == "" {
			return "", ErrMissingID
		}
		return v, nil
	case json.Number:
		return v.String(), nil
	case map[string]any:
		if oid, ok := v["$oid"].(string); ok && oid != "" {
			return oid, nil
		}
		if n, ok := v["$numberLong"].(string); ok && n != "" {
			return n, nil
		}
	}
	return "", fmt.Errorf("%w: unsupported _id type %T", ErrMissingID, raw)
}

// Hash returns the SHA-256 of the document's canonical JSON encoding.
// encoding/json sorts map keys, so equal documents hash equally.
func (d Document) Hash() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneValue(map[string]any(d)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Document:
		return Document(cloneValue(map[string]any(t)).(map[string]any))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// DecodeDocuments parses a JSON array of documents, keeping numbers as json.Number.
func DecodeDocuments(r io.Reader) ([]Document, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var docs []Document
	if err := dec.Decode(&docs); err != nil {
		if errors.Is(err, io.EOF) {
			return []Document{}, nil
		}
		return nil, fmt.Errorf("failed to parse documents: %w", err)
	}
	return docs, nil
}

// DecodeDocument parses a single JSON object.
func DecodeDocument(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("document must be a JSON object")
	}
	return doc, nil
}
