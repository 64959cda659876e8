package store

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"

	"modernc.org/sqlite"

	"github.com/opaque/encindex/pkg/aggregate"
	"github.com/opaque/encindex/pkg/crypto"
)

// ErrAggregateBound is returned when an aggregate name is already owned by
// another open store.
var ErrAggregateBound = errors.New("aggregate already bound")

// The SQLite driver registers functions once per process, for every
// connection opened afterwards. A binding is the process-wide slot behind one
// registered name; the store that opens with that name owns it until Close.
type binding struct {
	name string

	mu      sync.Mutex
	agg     aggregate.Aggregator
	lastErr error
}

var bindings = struct {
	mu sync.Mutex
	m  map[string]*binding
}{m: make(map[string]*binding)}

// bind claims name for agg, registering the SQL function on first use.
func bind(name string, agg aggregate.Aggregator) (*binding, error) {
	bindings.mu.Lock()
	defer bindings.mu.Unlock()

	b, ok := bindings.m[name]
	if !ok {
		b = &binding{name: name}
		err := sqlite.RegisterFunction(name, &sqlite.FunctionImpl{
			NArgs:         1,
			Deterministic: true,
			MakeAggregate: b.makeAggregate,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to register aggregate %s: %w", name, err)
		}
		bindings.m[name] = b
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.agg != nil {
		return nil, fmt.Errorf("%s: %w", name, ErrAggregateBound)
	}
	b.agg = agg
	b.lastErr = nil
	return b, nil
}

// release frees the name for the next store.
func (b *binding) release() {
	b.mu.Lock()
	b.agg = nil
	b.lastErr = nil
	b.mu.Unlock()
}

func (b *binding) makeAggregate(sqlite.FunctionContext) (sqlite.AggregateFunction, error) {
	b.mu.Lock()
	agg := b.agg
	b.mu.Unlock()
	if agg == nil {
		return nil, fmt.Errorf("aggregate %s is not bound to an open store", b.name)
	}
	return &sumCall{binding: b, agg: agg}, nil
}

// fail records err so the caller of the query can recover the typed error
// that SQLite flattened into a message.
func (b *binding) fail(err error) error {
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()
	return err
}

// takeErr returns and clears the last recorded aggregate error.
func (b *binding) takeErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.lastErr
	b.lastErr = nil
	return err
}

// sumCall is one evaluation of the aggregate over one group.
type sumCall struct {
	binding *binding
	agg     aggregate.Aggregator
	acc     *crypto.Ciphertext
}

func (c *sumCall) Step(_ *sqlite.FunctionContext, args []driver.Value) error {
	switch v := args[0].(type) {
	case nil:
		return nil
	case []byte:
		acc, err := c.agg.Step(c.acc, v)
		if err != nil {
			return c.binding.fail(fmt.Errorf("%s: %w", c.binding.name, err))
		}
		c.acc = acc
		return nil
	default:
		return c.binding.fail(fmt.Errorf("%s: argument of type %T is not a ciphertext: %w",
			c.binding.name, v, crypto.ErrMalformedCiphertext))
	}
}

func (c *sumCall) WindowInverse(*sqlite.FunctionContext, []driver.Value) error {
	return c.binding.fail(fmt.Errorf("%s cannot be used as a window function", c.binding.name))
}

func (c *sumCall) WindowValue(*sqlite.FunctionContext) (driver.Value, error) {
	out, err := c.agg.Finalize(c.acc)
	if err != nil {
		return nil, c.binding.fail(fmt.Errorf("%s: %w", c.binding.name, err))
	}
	if out == nil {
		// Untyped nil so the driver reports SQL NULL rather than an empty blob.
		return nil, nil
	}
	return out, nil
}

func (c *sumCall) Final(*sqlite.FunctionContext) {}
