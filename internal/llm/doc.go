// Package llm wraps the language model collaborator: free text generation,
// single-label classification, field extraction and the escape hatch that
// routes requests for human contact straight to handoff.
//
// Every call may fail. Callers degrade instead of surfacing the error: the
// escape hatch answers "not requested", clarification falls back to a
// static question and extraction to "nothing found".
package llm
