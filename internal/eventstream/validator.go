package eventstream

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentworkforce/redata/internal/progress"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const progressEventSchemaURL = "https://redata.local/schemas/progress_event.schema.json"

//go:embed progress_event.schema.json
var progressEventSchema []byte

var ErrInvalidFrame = errors.New("invalid progress frame")

// Validator checks raw frames against the embedded progress event schema
// and decodes them.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(progressEventSchema))
	if err != nil {
		return nil, fmt.Errorf("parse progress event schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(progressEventSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add progress event schema: %w", err)
	}
	schema, err := compiler.Compile(progressEventSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile progress event schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate returns the decoded wire message for a schema-valid frame.
func (v *Validator) Validate(frame []byte) (progress.Message, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(frame))
	if err != nil {
		return progress.Message{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return progress.Message{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	var msg progress.Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return progress.Message{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return msg, nil
}

// Decode validates the frame and maps it to a typed event.
func (v *Validator) Decode(frame []byte) (progress.Event, error) {
	msg, err := v.Validate(frame)
	if err != nil {
		return nil, err
	}
	ev, err := progress.Decode(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return ev, nil
}
