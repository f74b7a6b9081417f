package definition

import (
	"bytes"
	"errors"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/pkg/schema"
)

// Parse decodes a process definition document. YAML and JSON both parse.
// Unknown fields are rejected so typos surface at publish time instead of
// silently dropping configuration; duration literals are parsed during
// decode. Parse does not validate the definition.
func Parse(data []byte) (*schema.ProcessDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def schema.ProcessDefinition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, schema.NewError(schema.ErrCodeValidation, "empty definition document")
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"definition document does not parse: %s", err.Error()).WithCause(err)
	}
	return &def, nil
}
