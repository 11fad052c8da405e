// Package nodes is the closed registry of node kinds. Each kind pairs a
// config schema with the function that executes it; kinds are resolved once
// when a graph is loaded.
package nodes

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"

	"github.com/edvin/autoflow/internal/apperr"
	"github.com/edvin/autoflow/internal/integration"
	"github.com/edvin/autoflow/internal/model"
)

type Category string

const (
	CategoryTrigger Category = "trigger"
	CategoryAction  Category = "action"
)

// Input is what a node sees when it runs.
type Input struct {
	ExecutionID string
	WorkflowID  string
	UserID      string
	NodeID      string
	// Config is the node config after defaults and template substitution.
	Config   map[string]any
	Trigger  map[string]any
	TestMode bool
	Log      *Logs
}

type Output struct {
	Data map[string]any
	// CreditsUsed is the AI credit consumption of this run.
	CreditsUsed int64
}

type ExecuteFunc func(ctx context.Context, in *Input) (*Output, error)

type Kind struct {
	Name     string
	Category Category
	Schema   Schema
	// Polling marks triggers backed by a poll adapter.
	Polling bool
	// UsesAI marks kinds that consume AI credits.
	UsesAI  bool
	Execute ExecuteFunc
}

// Deps are the collaborators node kinds call out to.
type Deps struct {
	Tokens     integration.TokenSource
	Clients    *integration.Clients
	HTTPClient *http.Client
	// ChatModel backs ai-generate. Without it the kind fails with a
	// configuration error.
	ChatModel einomodel.BaseChatModel
	Sleep     func(ctx context.Context, d time.Duration) error
}

type Registry struct {
	kinds map[string]*Kind
}

// NewRegistry builds the registry of every supported kind.
func NewRegistry(deps Deps) *Registry {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	if deps.Clients == nil {
		deps.Clients = integration.NewClients()
	}

	r := &Registry{kinds: map[string]*Kind{}}
	for _, k := range triggerKinds() {
		r.register(k)
	}
	for _, k := range actionKinds(deps) {
		r.register(k)
	}
	return r
}

func (r *Registry) register(k *Kind) {
	r.kinds[k.Name] = k
}

// Lookup returns the kind registered under name.
func (r *Registry) Lookup(name string) (*Kind, error) {
	k, ok := r.kinds[name]
	if !ok {
		return nil, apperr.Configuration("unknown node kind %q, expected one of: %s", name, strings.Join(r.Names(), ", "))
	}
	return k, nil
}

// Names returns all registered kind names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Compile resolves the kind of every node in g.
func (r *Registry) Compile(g model.Graph) (map[string]*Kind, error) {
	out := make(map[string]*Kind, len(g.Nodes))
	for _, n := range g.Nodes {
		k, err := r.Lookup(n.Kind)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidGraph, err, "node %q", n.ID)
		}
		out[n.ID] = k
	}
	return out, nil
}

// Validate checks the structural rules of a graph against the registry:
// every kind is known, at most one trigger exists and it has no incoming
// edges, and each node's static config satisfies its schema.
func (r *Registry) Validate(g model.Graph) error {
	kinds, err := r.Compile(g)
	if err != nil {
		return err
	}

	var triggers []string
	for _, n := range g.Nodes {
		k := kinds[n.ID]
		if k.Category == CategoryTrigger {
			triggers = append(triggers, n.ID)
		}
		if err := k.Schema.CheckStatic(n.Config); err != nil {
			return apperr.Wrap(apperr.KindInvalidGraph, err, "node %q", n.DisplayName())
		}
	}
	if len(triggers) > 1 {
		return apperr.New(apperr.KindInvalidGraph, "graph has %d trigger nodes; at most one is allowed", len(triggers))
	}
	for _, e := range g.Edges {
		for _, t := range triggers {
			if e.TargetNodeID == t {
				return apperr.New(apperr.KindInvalidGraph, "trigger node %q cannot have incoming edges", t)
			}
		}
	}
	return nil
}

// Trigger returns the graph's trigger node, if any.
func (r *Registry) Trigger(g model.Graph) (model.Node, *Kind, bool) {
	for _, n := range g.Nodes {
		k, ok := r.kinds[n.Kind]
		if ok && k.Category == CategoryTrigger {
			return n, k, true
		}
	}
	return model.Node{}, nil, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
