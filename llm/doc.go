// Package llm defines the completion provider contract the extraction
// pipeline is built against: chat message shapes, tool schemas, decoding
// parameters, and the Provider interface with blocking and streaming
// entry points.
//
// The pipeline never talks to a model backend directly. It composes a
// *ChatRequest, hands it to a Provider, and consumes either a complete
// *ChatResponse or a channel of StreamChunk deltas. Anything a backend
// needs beyond that (authentication, transport retries, rate limit
// accounting) belongs to the Provider implementation, or to a decorator
// such as [RateLimited].
package llm
