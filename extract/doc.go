// Package extract implements the extraction pipeline: it composes a
// request from a schema and a conversation, sends it through a
// completion provider, parses and validates the response, and on
// validation failure reasks the model with the failure detail folded
// back into the prompt, bounded by an attempt budget.
package extract
