// Package errors provides standardized error handling for the sensor ledger gateway.
//
// # Classification
//
// Every error is one of three classes:
//
//   - Transient: the logical operation may be retried (endorsement, commit and
//     timeout failures, a dropped ledger connection, an open circuit)
//   - Invalid: bad input that will never succeed on retry (undecodable bytes,
//     unparsable records, a snapshot that is not commit-ready)
//   - Fatal: the owning component cannot continue (missing identity material,
//     invalid configuration)
//
// Classification survives wrapping, so callers use IsTransient, IsInvalid,
// IsFatal or Classify on whatever error reaches them.
//
// # Wrapping
//
// All wrapping follows the format
//
//	"component.method: action failed: %w"
//
// Wrap keeps the original classification; WrapTransient, WrapInvalid and
// WrapFatal attach one explicitly:
//
//	if err := client.Connect(ctx); err != nil {
//	    return errors.WrapFatal(err, "Gateway", "Start", "ledger connect")
//	}
//
// # Sentinels
//
// The package defines sentinel values for the gateway's failure taxonomy
// (ErrDecode, ErrParse, ErrConnection, ErrIdentity, ErrEndorsement,
// ErrCommit, ErrTimeout) plus scheduling and lifecycle conditions. Typed
// errors in other packages match them through errors.Is. Stale updates have
// no sentinel: the accumulator counts them and never returns an error.
package errors
