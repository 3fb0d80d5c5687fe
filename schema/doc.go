// Package schema declares the structured shapes extraction targets: a
// JSON Schema model with builders, a reflection-based generator for Go
// types, custom field and object rules, the adapter that turns a schema
// into a model-callable invocation spec, and the validator that checks a
// candidate payload against all of it in one pass.
package schema
