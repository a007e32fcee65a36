package saga

import (
	"fmt"
	"sync"
	"time"
)

// StepSpec describes one step of a saga definition.
type StepSpec struct {
	// Name identifies the step within the definition (e.g., "reserve").
	Name string
	// CommandType is the message type dispatched to execute the step.
	CommandType string
	// CompensationType is the message type dispatched to undo the step.
	CompensationType string
	// Timeout is the reply deadline for one attempt. Zero uses the orchestrator default.
	Timeout time.Duration
}

// Definition is an immutable, versioned description of a saga's step sequence.
type Definition struct {
	// Name identifies the business process (e.g., "order-fulfillment").
	Name string
	// Version distinguishes revisions of the same process.
	Version int
	// Steps run strictly in declared order.
	Steps []StepSpec
}

// Validate checks that the definition can be executed.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrDefinitionInvalid)
	}
	if d.Version <= 0 {
		return fmt.Errorf("%w: version must be positive", ErrDefinitionInvalid)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: at least one step is required", ErrDefinitionInvalid)
	}
	for i, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("%w: step %d has no name", ErrDefinitionInvalid, i)
		}
		if step.CommandType == "" {
			return fmt.Errorf("%w: step %q has no command type", ErrDefinitionInvalid, step.Name)
		}
		if step.CompensationType == "" {
			return fmt.Errorf("%w: step %q has no compensation type", ErrDefinitionInvalid, step.Name)
		}
	}

	return nil
}

// Ref identifies this definition as (name, version).
func (d Definition) Ref() DefinitionRef {
	return DefinitionRef{Name: d.Name, Version: d.Version}
}

// DefinitionRef identifies a registered definition.
type DefinitionRef struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// String returns "name/vN".
func (r DefinitionRef) String() string {
	return fmt.Sprintf("%s/v%d", r.Name, r.Version)
}

// Registry holds registered saga definitions. Lookups are version-exact;
// registering a new version never removes or alters an older one, so sagas
// started against a superseded version keep running to completion.
type Registry struct {
	mu   sync.RWMutex
	defs map[DefinitionRef]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[DefinitionRef]Definition)}
}

// Register validates and adds a definition.
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ref := def.Ref()
	if _, ok := r.defs[ref]; ok {
		return fmt.Errorf("%w: %s", ErrDefinitionExists, ref)
	}
	r.defs[ref] = def

	return nil
}

// MustRegister adds a definition or panics on error.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns the definition for the exact (name, version).
func (r *Registry) Lookup(ref DefinitionRef) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[ref]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrDefinitionNotFound, ref)
	}

	return def, nil
}
