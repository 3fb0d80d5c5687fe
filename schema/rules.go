package schema

// FieldRule is a custom predicate applied to one field's value after
// structural validation has passed for that field. Check returns a
// human-readable failure message via its error; a nil error passes.
//
// Path addresses the field with dot segments and [i] array indexes, the
// same syntax validation failures use ("user.emails[0]").
type FieldRule struct {
	Path  string
	Name  string
	Check func(value any) error
}

// ObjectRule is a cross-field invariant applied to the whole payload
// after structural validation and field rules. It only runs when the
// structural pass produced no failures, so Check can assume the payload
// conforms to the root schema.
type ObjectRule struct {
	Name  string
	Check func(payload map[string]any) error
}
