// Package testutil provides fakes shared by the gateway's tests: a
// controllable clock, an in-memory ledger contract with scripted failures,
// an in-memory publisher and sample device lines.
package testutil
