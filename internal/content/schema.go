package content

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed snapshot.schema.json
var snapshotSchemaJSON []byte

const snapshotSchemaURL = "https://opensesame.dev/schemas/snapshot.json"

var compiledSnapshotSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(snapshotSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse snapshot schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(snapshotSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add snapshot schema: %w", err)
	}
	sch, err := c.Compile(snapshotSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile snapshot schema: %w", err)
	}
	return sch, nil
})

// ValidateSnapshotJSON checks raw JSON against the snapshot schema: an array
// of objects with a known role, any content and an optional language code.
func ValidateSnapshotJSON(data []byte) error {
	sch, err := compiledSnapshotSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}
	return nil
}

// DecodeSnapshot validates and decodes an untrusted snapshot payload.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	if err := ValidateSnapshotJSON(data); err != nil {
		return nil, err
	}
	return ParseSnapshot(data)
}
