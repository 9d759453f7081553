package pipeline

import (
	"fmt"
	"sort"

	"github.com/dmitrymomot/domainbroker/core/broker"
)

// Key addresses one statically known chain.
type Key struct {
	Action broker.Action
	Type   broker.InstanceType
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Action, k.Type)
}

// Builder holds the exhaustive (action, instance type) -> step chain table.
// Chains are registered once at startup; a missing mapping surfaces as
// ErrUnknownPipeline when planned, never as a silent no-op.
type Builder struct {
	pipelines map[Key][]Step
}

// NewBuilder creates an empty pipeline table.
func NewBuilder() *Builder {
	return &Builder{pipelines: make(map[Key][]Step)}
}

// Register adds the chain for one (action, instance type) pair. Registering
// the same pair twice is a programming error.
func (b *Builder) Register(action broker.Action, instanceType broker.InstanceType, steps ...Step) error {
	if len(steps) == 0 {
		return ErrEmptyPipeline
	}

	key := Key{Action: action, Type: instanceType}
	if _, exists := b.pipelines[key]; exists {
		return fmt.Errorf("%w: %s", ErrPipelineRedefined, key)
	}

	b.pipelines[key] = steps
	return nil
}

// MustRegister is Register for startup wiring, panicking on misconfiguration.
func (b *Builder) MustRegister(action broker.Action, instanceType broker.InstanceType, steps ...Step) {
	if err := b.Register(action, instanceType, steps...); err != nil {
		panic(err)
	}
}

// Plan returns the ordered step chain for the pair, or ErrUnknownPipeline.
func (b *Builder) Plan(action broker.Action, instanceType broker.InstanceType) ([]Step, error) {
	key := Key{Action: action, Type: instanceType}
	steps, ok := b.pipelines[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, key)
	}
	return steps, nil
}

// Keys returns every registered pair in stable order, letting startup code
// and tests verify the table is exhaustive.
func (b *Builder) Keys() []Key {
	keys := make([]Key, 0, len(b.pipelines))
	for k := range b.pipelines {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Action != keys[j].Action {
			return keys[i].Action < keys[j].Action
		}
		return keys[i].Type < keys[j].Type
	})
	return keys
}
