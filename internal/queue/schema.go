package queue

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type validators map[string]*jsonschema.Schema

func compileSchemas() (validators, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	out := make(validators, len(EntityTypes))
	for _, et := range EntityTypes {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(et.schema()))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", et, err)
		}
		loc := "vetsync://sync/" + et.String() + ".json"
		if err := c.AddResource(loc, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", et, err)
		}
		sch, err := c.Compile(loc)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", et, err)
		}
		out[et.String()] = sch
	}
	return out, nil
}

func (v validators) validate(et EntityType, data []byte) error {
	sch, ok := v[et.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntityType, et)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
