package job

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Registry maps job type names to constructors so persistent queue
// backends can rebuild jobs loaded from storage. Register every durable
// job type before opening a backend that may hold instances of it.
type Registry struct {
	mu    sync.RWMutex
	types map[string]func() Encodable
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]func() Encodable)}
}

// Register binds a type name to a constructor returning a fresh
// instance. Base metadata is not serialized, so the constructor must set
// it (durability, group, network) before the payload is overlaid.
// Registering the same name twice panics: it is a programming error that
// would silently corrupt decoding.
func (r *Registry) Register(name string, fn func() Encodable) {
	if name == "" || fn == nil {
		panic("job: Register requires a name and a constructor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.types[name]; dup {
		panic(fmt.Sprintf("job: type %q registered twice", name))
	}
	r.types[name] = fn
}

// Encode serializes a durable job to its stored form.
func (r *Registry) Encode(j Job) (typeName string, payload []byte, err error) {
	e, ok := j.(Encodable)
	if !ok {
		return "", nil, fmt.Errorf("job: %T does not implement job.Encodable", j)
	}
	payload, err = json.Marshal(e)
	if err != nil {
		return "", nil, fmt.Errorf("job: encode %q: %w", e.JobType(), err)
	}
	return e.JobType(), payload, nil
}

// Decode rebuilds a job from its stored form.
func (r *Registry) Decode(typeName string, payload []byte) (Job, error) {
	r.mu.RLock()
	fn := r.types[typeName]
	r.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("job: type %q not registered", typeName)
	}
	j := fn()
	if err := json.Unmarshal(payload, j); err != nil {
		return nil, fmt.Errorf("job: decode %q: %w", typeName, err)
	}
	return j, nil
}
