package executor

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/xeipuuv/gojsonschema"
)

// Validator checks tool arguments against the structural contract a tool
// advertises. Compiled schemas are cached by content hash so repeated calls
// to the same tool do not recompile.
type Validator struct {
	mu       sync.RWMutex
	compiled map[uint64]*gojsonschema.Schema
}

// NewValidator returns an empty Validator.
func NewValidator() *Validator {
	return &Validator{
		compiled: make(map[uint64]*gojsonschema.Schema),
	}
}

// Validate checks argsJSON against rawSchema. A nil schema accepts any
// arguments. The returned error lists every violated constraint, suitable
// for feeding back to the model.
func (v *Validator) Validate(rawSchema []byte, argsJSON string) error {
	if len(rawSchema) == 0 {
		return nil
	}

	schema, err := v.compile(rawSchema)
	if err != nil {
		return err
	}

	doc := argsJSON
	if doc == "" {
		doc = "{}"
	}
	result, err := schema.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return errors.WithMessage(err, "arguments are not valid JSON")
	}
	if result.Valid() {
		return nil
	}

	msg := "invalid arguments:"
	for _, desc := range result.Errors() {
		msg += " " + desc.String() + ";"
	}
	return errors.New(msg)
}

func (v *Validator) compile(rawSchema []byte) (*gojsonschema.Schema, error) {
	key := xxhash.Sum64(rawSchema)

	v.mu.RLock()
	schema, ok := v.compiled[key]
	v.mu.RUnlock()
	if ok {
		return schema, nil
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(rawSchema))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to compile tool schema")
	}

	v.mu.Lock()
	v.compiled[key] = schema
	v.mu.Unlock()
	return schema, nil
}
