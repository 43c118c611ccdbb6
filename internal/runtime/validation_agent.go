package runtime

import (
	"context"
	"net/http"

	"github.com/l0p7/pixgate/internal/expr"
	"github.com/l0p7/pixgate/internal/runtime/failure"
	"github.com/l0p7/pixgate/internal/runtime/pipeline"
	"github.com/l0p7/pixgate/internal/runtime/planner"
)

// validationAgent parses the transform parameters and guards the source URL
// before any rate window is consumed or any I/O happens.
type validationAgent struct {
	planner *planner.Planner
	policy  *expr.SourcePolicy
}

func (a *validationAgent) Name() string { return "validation" }

func (a *validationAgent) Execute(_ context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	req, err := a.planner.ParseRequest(r.URL.Query())
	if err != nil {
		state.Fail(err)
		return pipeline.Result{Name: a.Name(), Status: "invalid", Details: failure.From(err).Message}
	}
	state.Transform.Request = req

	source, err := checkSource(a.policy, req.SourceURL, state)
	if err != nil {
		state.Fail(err)
		return pipeline.Result{Name: a.Name(), Status: "blocked", Details: failure.From(err).Message}
	}
	state.Transform.Source = source
	return pipeline.Result{
		Name:   a.Name(),
		Status: "valid",
		Meta:   map[string]any{"host": source.Hostname(), "transform": req.HasTransform()},
	}
}
