// Package input runs the device ingestion path: it opens a Source, frames
// the byte stream into lines, parses each line and applies the resulting
// reading to the accumulator.
//
// The path is strictly sequential and never touches the ledger, so a slow or
// unavailable ledger cannot stall ingestion. When the device channel ends or
// fails, the Ingestor marks the device disconnected and reopens the Source
// with capped exponential backoff until its context is cancelled.
//
// Concrete sources live in subpackages: input/serial (USB/RS-232 serial
// port), input/tcp (serial-over-TCP bridge) and input/mqtt (field bridge
// publishing raw lines to a topic).
package input
