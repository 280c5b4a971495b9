package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Validator checks messages against the embedded JSON schemas, keyed by message type.
type Validator struct {
	byType map[string]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	var names []string
	for _, e := range entries {
		b, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(e.Name(), bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", e.Name(), err)
		}
		names = append(names, e.Name())
	}
	v := &Validator{byType: map[string]*jsonschema.Schema{}}
	for _, name := range names {
		s, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		typ := strings.ToUpper(strings.TrimSuffix(name, ".schema.json"))
		v.byType[typ] = s
	}
	return v, nil
}

// Validate decodes raw and checks it against the schema for its type.
// It returns the message type.
func (v *Validator) Validate(raw []byte) (string, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return "", fmt.Errorf("message is not an object")
	}
	typ, _ := obj["type"].(string)
	s := v.byType[typ]
	if s == nil {
		return typ, fmt.Errorf("no schema for message type %q", typ)
	}
	if err := s.Validate(doc); err != nil {
		return typ, err
	}
	return typ, nil
}

// ValidateValue marshals m and validates the result.
func (v *Validator) ValidateValue(m any) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return v.Validate(b)
}

func (v *Validator) Types() []string {
	out := make([]string, 0, len(v.byType))
	for t := range v.byType {
		out = append(out, t)
	}
	return out
}
