// Package llm contains adapters for invoking large language models. It
// abstracts away provider-specific APIs behind one client interface with
// structured-output completion and lazily consumed streaming.
package llm
