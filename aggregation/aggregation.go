// Package aggregation holds the functions peers can jointly evaluate. A task
// descriptor names one of them; Registry.Resolve validates the descriptor
// before any peer work begins.
package aggregation

import (
	"math/big"
	"sort"
	"strconv"
	"sync"

	"github.com/ggoodman/smc-node-go/smc"
)

// Aggregator is a linear function over the parties' secret inputs. Suites
// share each party's Input, Combine the received shares locally and open the
// combined value with Output.
type Aggregator interface {
	Name() smc.Aggregation
	// Validate checks the function-specific task parameters.
	Validate(task smc.Task) error
	// Input returns the local party's secret contribution.
	Input(localID int, task smc.Task) (*big.Int, error)
	// Combine folds one share per party into the local share of the result.
	Combine(shares []*big.Int, modulus *big.Int) *big.Int
	// Output maps the opened field element to the numeric result.
	Output(opened *big.Int, modulus *big.Int) float64
}

// Registry maps aggregation names to implementations. It is safe for
// concurrent use.
type Registry struct {
	mu   sync.RWMutex
	aggs map[smc.Aggregation]Aggregator
}

// NewRegistry returns a registry holding the given aggregators.
func NewRegistry(aggs ...Aggregator) *Registry {
	r := &Registry{aggs: make(map[smc.Aggregation]Aggregator, len(aggs))}
	for _, a := range aggs {
		r.aggs[a.Name()] = a
	}
	return r
}

// Default returns a registry with every built-in aggregation.
func Default() *Registry {
	return NewRegistry(Sum{})
}

// Register adds or replaces an aggregator.
func (r *Registry) Register(a Aggregator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aggs[a.Name()] = a
}

// Lookup returns the aggregator registered under name.
func (r *Registry) Lookup(name smc.Aggregation) (Aggregator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.aggs[name]
	return a, ok
}

// Names lists the registered aggregation names in sorted order.
func (r *Registry) Names() []smc.Aggregation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]smc.Aggregation, 0, len(r.aggs))
	for n := range r.aggs {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolve validates task and returns its aggregator. A missing task is
// KindInvalidTask, an unknown aggregation KindUnsupported, and bad parameters
// whatever the aggregator reports.
func (r *Registry) Resolve(task *smc.Task) (Aggregator, error) {
	if task == nil || task.Aggregation == "" {
		return nil, &smc.Error{Kind: smc.KindInvalidTask, Message: smc.MsgInvalidTask}
	}
	a, ok := r.Lookup(task.Aggregation)
	if !ok {
		return nil, smc.Errorf(smc.KindUnsupported, "unsupported aggregation %q", task.Aggregation)
	}
	if err := a.Validate(*task); err != nil {
		return nil, err
	}
	return a, nil
}

// ParamInput names the optional task parameter carrying the local secret.
const ParamInput = "input"

// Sum adds every party's input.
type Sum struct{}

func (Sum) Name() smc.Aggregation { return smc.AggregationSum }

func (Sum) Validate(task smc.Task) error {
	for k, v := range task.Params {
		if k != ParamInput {
			return smc.Errorf(smc.KindValidation, "unknown sum parameter %q", k)
		}
		if _, ok := new(big.Int).SetString(v, 10); !ok {
			return smc.Errorf(smc.KindValidation, "invalid sum input %q", v)
		}
	}
	return nil
}

// Input returns the "input" parameter, defaulting to twice the local party id.
func (Sum) Input(localID int, task smc.Task) (*big.Int, error) {
	v, ok := task.Param(ParamInput)
	if !ok {
		return big.NewInt(int64(localID) * 2), nil
	}
	in, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, smc.Errorf(smc.KindValidation, "invalid sum input %q", v)
	}
	return in, nil
}

func (Sum) Combine(shares []*big.Int, modulus *big.Int) *big.Int {
	acc := new(big.Int)
	for _, s := range shares {
		acc.Add(acc, s)
	}
	return acc.Mod(acc, modulus)
}

// Output interprets the opened value as a signed residue: values above half
// the modulus are negative.
func (Sum) Output(opened *big.Int, modulus *big.Int) float64 {
	v := new(big.Int).Mod(opened, modulus)
	half := new(big.Int).Rsh(modulus, 1)
	if v.Cmp(half) > 0 {
		v.Sub(v, modulus)
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

// FormatInput renders an integer as a sum "input" parameter value.
func FormatInput(v int64) string { return strconv.FormatInt(v, 10) }

var _ Aggregator = Sum{}
