package tasks

import (
	"context"
	"sort"
)

// Func is a task implemented in Go
type Func func(ctx context.Context, tc TaskContext) (any, error)

// FuncEngine runs tasks registered as Go functions
type FuncEngine struct {
	name  string
	tasks map[string]Func
}

// NewFuncEngine creates an engine running tasks
func NewFuncEngine(name string, tasks map[string]Func) *FuncEngine {
	cp := make(map[string]Func, len(tasks))
	for k, v := range tasks {
		cp[k] = v
	}
	return &FuncEngine{name: name, tasks: cp}
}

func (e *FuncEngine) Name() string {
	return e.name
}

func (e *FuncEngine) Tasks() []string {
	out := make([]string, 0, len(e.tasks))
	for name := range e.tasks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (e *FuncEngine) Handles(task string) bool {
	_, ok := e.tasks[task]
	return ok
}

func (e *FuncEngine) Run(ctx context.Context, task string, tc TaskContext) (any, error) {
	return e.tasks[task](ctx, tc)
}
