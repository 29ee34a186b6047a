package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/c360/sensorledger/ledger"
)

// Call is one transaction seen by a FakeChaincode.
type Call struct {
	Kind string // "submit" or "evaluate"
	Name string
	Args []string
}

// FakeChaincode is an in-memory sensor contract. It stores StoreSensorData
// arguments and answers RetrieveSensorData from them. It implements
// ledger.Session, ledger.Connector and ledger.Invoker.
type FakeChaincode struct {
	mu      sync.Mutex
	records map[string][]string
	calls   []Call
	closed  int

	// SubmitErrs are returned by successive Submit calls before the contract
	// runs; a nil entry lets that call through.
	SubmitErrs []error
	// StoreOnError applies a StoreSensorData even when a scripted error is
	// returned, simulating a commit whose acknowledgement was lost.
	StoreOnError bool
	// EvaluateErrs are returned by successive Evaluate calls before the
	// query runs; a nil entry lets that call through.
	EvaluateErrs []error
	// EvaluateErr, when set, fails every Evaluate after EvaluateErrs run out.
	EvaluateErr error
	// ConnectErr, when set, fails Connect.
	ConnectErr error
}

// NewFakeChaincode returns an empty contract.
func NewFakeChaincode() *FakeChaincode {
	return &FakeChaincode{records: make(map[string][]string)}
}

// Connect implements ledger.Connector.
func (f *FakeChaincode) Connect(context.Context) (ledger.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConnectErr != nil {
		return nil, f.ConnectErr
	}
	return f, nil
}

// Submit implements ledger.Session.
func (f *FakeChaincode) Submit(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Kind: "submit", Name: name, Args: append([]string(nil), args...)})
	if err := ctx.Err(); err != nil {
		return nil, ledger.NewError(ledger.KindTimeout, name, ledger.PhaseEndorse, err)
	}

	var scripted error
	if len(f.SubmitErrs) > 0 {
		scripted = f.SubmitErrs[0]
		f.SubmitErrs = f.SubmitErrs[1:]
	}
	if scripted != nil && !f.StoreOnError {
		return nil, scripted
	}

	switch name {
	case ledger.TxInitLedger:
	case ledger.TxStoreSensorData:
		if len(args) != 8 {
			return nil, ledger.NewError(ledger.KindEndorsement, name, ledger.PhaseEndorse,
				fmt.Errorf("expected 8 arguments, got %d", len(args)))
		}
		if _, ok := f.records[args[0]]; ok {
			return nil, ledger.NewError(ledger.KindEndorsement, name, ledger.PhaseEndorse,
				fmt.Errorf("the sensor %s already exists", args[0]))
		}
		f.records[args[0]] = append([]string(nil), args...)
	default:
		return nil, ledger.NewError(ledger.KindEndorsement, name, ledger.PhaseEndorse,
			fmt.Errorf("unknown transaction %s", name))
	}
	return nil, scripted
}

// Evaluate implements ledger.Session.
func (f *FakeChaincode) Evaluate(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Kind: "evaluate", Name: name, Args: append([]string(nil), args...)})
	if len(f.EvaluateErrs) > 0 {
		scripted := f.EvaluateErrs[0]
		f.EvaluateErrs = f.EvaluateErrs[1:]
		if scripted != nil {
			return nil, scripted
		}
	}
	if f.EvaluateErr != nil {
		return nil, f.EvaluateErr
	}
	if name != ledger.TxRetrieveSensorData || len(args) != 1 {
		return nil, ledger.NewError(ledger.KindEndorsement, name, ledger.PhaseEvaluate,
			fmt.Errorf("unknown query %s", name))
	}
	a, ok := f.records[args[0]]
	if !ok {
		return nil, ledger.NewError(ledger.KindEndorsement, name, ledger.PhaseEvaluate,
			fmt.Errorf("the sensor %s does not exist", args[0]))
	}
	return json.Marshal(map[string]string{
		"ID": a[0], "Temperature": a[1], "Humidity": a[2], "Location": a[3],
		"Vibration": a[4], "Latitude": a[5], "Longtitude": a[6], "Timestamp": a[7],
	})
}

// Close implements ledger.Session.
func (f *FakeChaincode) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// Put stores args directly, as if committed by another client.
func (f *FakeChaincode) Put(args ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[args[0]] = append([]string(nil), args...)
}

// Stored returns the StoreSensorData args recorded for id.
func (f *FakeChaincode) Stored(id string) ([]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.records[id]
	return a, ok
}

// Len returns the number of stored records.
func (f *FakeChaincode) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// Calls returns every transaction seen so far.
func (f *FakeChaincode) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CountCalls returns how many calls named name were seen.
func (f *FakeChaincode) CountCalls(kind, name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Kind == kind && c.Name == name {
			n++
		}
	}
	return n
}

// SetSubmitErrs replaces the scripted Submit failures.
func (f *FakeChaincode) SetSubmitErrs(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubmitErrs = errs
}

// Timeout returns a ledger timeout error for the endorse phase.
func Timeout(name string) error {
	return ledger.NewError(ledger.KindTimeout, name, ledger.PhaseEndorse, context.DeadlineExceeded)
}
