package serve

import (
	"context"
	"time"

	"github.com/ValentinKolb/dGrid/lib/container"
	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/grid"
	"github.com/ValentinKolb/dGrid/lib/tasks"
)

// builtinTasks are the tasks every member offers on its admin endpoint
func builtinTasks(node *grid.Node) *tasks.FuncEngine {
	return tasks.NewFuncEngine("builtin", map[string]tasks.Func{
		// copy writes the value of key "from" to key "to", with an optional lifespan
		"copy": func(ctx context.Context, tc tasks.TaskContext) (any, error) {
			from, to := tc.Params["from"], tc.Params["to"]
			if from == "" || to == "" {
				return nil, errs.New(errs.RetCInvalidOperation, "copy needs the parameters from and to")
			}
			meta := container.Immortal()
			if s := tc.Params["lifespan"]; s != "" {
				d, err := time.ParseDuration(s)
				if err != nil {
					return nil, errs.Wrap(errs.RetCInvalidOperation, err, "invalid lifespan")
				}
				meta = container.WithLifespan(d)
			}
			value, ok, err := tc.Cache.Get(ctx, from)
			if err != nil {
				return nil, err
			}
			if !ok {
				return map[string]bool{"copied": false}, nil
			}
			if err := tc.Cache.Put(ctx, to, value, meta); err != nil {
				return nil, err
			}
			return map[string]bool{"copied": true}, nil
		},

		"info": func(context.Context, tasks.TaskContext) (any, error) {
			return node.Info(), nil
		},

		"reindex": func(ctx context.Context, _ tasks.TaskContext) (any, error) {
			p, err := node.Reindex(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"documents": p.Documents,
				"failures":  p.Failures,
				"elapsed":   p.Elapsed.String(),
			}, nil
		},
	})
}
