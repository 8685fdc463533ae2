package connector

import (
	"context"
	"fmt"

	"github.com/hupe1980/makermesh/internal/util"
)

// ValidationError describes a payload that does not match a connector schema.
type ValidationError = util.ValidationError

// Schema describes the JSON object payload a FunctionConnector accepts.
type Schema = util.Schema

// FunctionFunc is the signature wrapped by FunctionConnector.
type FunctionFunc func(ctx context.Context, req Request) (string, error)

// FunctionConnectorOptions configures a FunctionConnector.
type FunctionConnectorOptions struct {
	// Schema, when set, requires the payload to be a JSON object matching it.
	Schema *Schema
}

// FunctionConnector exposes a plain Go function as a connector.
//
// With a schema the payload is decoded as a JSON object and validated before
// the function runs; validation failures come back as *Error with code
// VALIDATION_ERROR and other function errors as EXECUTION_ERROR. A function
// returning *Error directly keeps its code.
//
// A FunctionConnector holds no mutable state and is safe for concurrent use.
type FunctionConnector struct {
	name   string
	schema *Schema
	fn     FunctionFunc
}

// NewFunctionConnector wraps fn under name.
func NewFunctionConnector(name string, fn FunctionFunc, optFns ...func(o *FunctionConnectorOptions)) *FunctionConnector {
	opts := FunctionConnectorOptions{}
	for _, f := range optFns {
		f(&opts)
	}

	return &FunctionConnector{
		name:   name,
		schema: opts.Schema,
		fn:     fn,
	}
}

// NewFunctionConnectorFromStruct derives the payload schema from structType.
//
//	type Lookup struct {
//	  ID string `json:"id" description:"Record id"`
//	}
//
//	c := NewFunctionConnectorFromStruct("lookup", Lookup{}, fn)
func NewFunctionConnectorFromStruct(name string, structType any, fn FunctionFunc) *FunctionConnector {
	return NewFunctionConnector(name, fn, func(o *FunctionConnectorOptions) {
		s := util.SchemaOf(structType)
		o.Schema = &s
	})
}

// Name implements Connector.
func (c *FunctionConnector) Name() string { return c.name }

// Type implements Connector.
func (c *FunctionConnector) Type() string { return "function" }

// Schema returns the payload schema in JSON schema form, or nil.
func (c *FunctionConnector) Schema() map[string]any {
	if c.schema == nil {
		return nil
	}

	return c.schema.Map()
}

// Execute implements Connector.
func (c *FunctionConnector) Execute(ctx context.Context, req Request) (Response, error) {
	if c.schema != nil {
		if err := c.schema.Validate(req.Payload); err != nil {
			return Response{}, &Error{
				Connector: c.name,
				Message:   fmt.Sprintf("parameter validation failed: %v", err),
				Code:      "VALIDATION_ERROR",
				Details:   err,
			}
		}
	}

	out, err := c.fn(ctx, req)
	if err != nil {
		if cErr, ok := err.(*Error); ok {
			return Response{}, cErr
		}

		return Response{}, &Error{
			Connector: c.name,
			Message:   err.Error(),
			Code:      "EXECUTION_ERROR",
		}
	}

	return OK(out), nil
}
