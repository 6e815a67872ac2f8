package targets

import (
	"context"
	"time"
)

// Target is an output destination for a finished image.
type Target interface {
	Name() string
	Post(ctx context.Context, req TargetRequest) (TargetResult, error)
}

// TargetRequest contains the image and the run metadata used for naming.
type TargetRequest struct {
	RunID     string
	Mode      string
	MIME      string
	Image     []byte
	Timestamp time.Time
}

// TargetResult describes where the image landed.
type TargetResult struct {
	TargetName string
	Location   string
}

// Registry holds initialized targets by name.
type Registry struct {
	byName map[string]Target
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Target)}
}

func (r *Registry) Add(t Target) {
	r.byName[t.Name()] = t
}

func (r *Registry) Get(name string) (Target, bool) {
	t, ok := r.byName[name]
	return t, ok
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for k := range r.byName {
		out = append(out, k)
	}
	return out
}

// PostAll sends req to every registered target. Results follow map iteration order.
// The first error aborts.
func (r *Registry) PostAll(ctx context.Context, req TargetRequest) ([]TargetResult, error) {
	out := make([]TargetResult, 0, len(r.byName))
	for _, t := range r.byName {
		res, err := t.Post(ctx, req)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}
