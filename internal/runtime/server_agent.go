package runtime

import (
	"context"
	"net/http"

	"github.com/l0p7/pixgate/internal/runtime/pipeline"
)

type serverAgent struct{}

func (a *serverAgent) Name() string { return "server_configuration" }

// Execute rejects methods other than GET and HEAD before any other stage runs.
func (a *serverAgent) Execute(_ context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		state.Fail(errMethodNotAllowed)
		state.Response.Status = http.StatusMethodNotAllowed
		return pipeline.Result{Name: a.Name(), Status: "rejected", Details: r.Method}
	}
	return pipeline.Result{Name: a.Name(), Status: "ready"}
}
