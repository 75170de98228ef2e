// Package registry holds the pipelines a harvest binary knows how to
// run. pipeline packages register themselves from init, the CLI
// blank-imports them the way database/sql drivers are pulled in.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"harvest-core/lib/checkpoint"
	"harvest-core/lib/pipeline"
	"harvest-core/lib/proctrack"
)

// Core is the shared machinery a pipeline builds its steps against.
type Core struct {
	DB      *sql.DB
	Store   *checkpoint.Store
	Workers *proctrack.Tracker
	// command used to spawn tracked worker processes, empty when the
	// deployment runs without external workers
	WorkerCommand string
	WorkerArgs    []string
	// path of the loaded harvest config file. pipelines read their
	// own section out of it.
	ConfigPath string
	Verbose    bool
}

type Pipeline struct {
	Name        string
	Description string
	Build       func(ctx context.Context, core Core) ([]pipeline.Step, error)
}

var (
	mu        sync.RWMutex
	pipelines = map[string]Pipeline{}
)

func Register(p Pipeline) {
	mu.Lock()
	defer mu.Unlock()

	if p.Name == "" {
		panic("registry: pipeline has no name")
	}
	if p.Build == nil {
		panic(fmt.Sprintf("registry: pipeline %q has no builder", p.Name))
	}
	if _, exists := pipelines[p.Name]; exists {
		panic(fmt.Sprintf("registry: pipeline %q registered twice", p.Name))
	}
	pipelines[p.Name] = p
}

func Lookup(name string) (Pipeline, bool) {
	mu.RLock()
	defer mu.RUnlock()

	p, ok := pipelines[name]
	return p, ok
}

func Names() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(pipelines))
	for name := range pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
