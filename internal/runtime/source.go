package runtime

import (
	"net/url"

	"github.com/l0p7/pixgate/internal/expr"
	"github.com/l0p7/pixgate/internal/runtime/failure"
	"github.com/l0p7/pixgate/internal/runtime/pipeline"
	"github.com/l0p7/pixgate/internal/runtime/urlguard"
)

// checkSource runs the literal URL guard and then the configured CEL source
// policy for the resolved caller.
func checkSource(policy *expr.SourcePolicy, raw string, state *pipeline.State) (*url.URL, error) {
	source, err := urlguard.Validate(raw)
	if err != nil {
		return nil, err
	}
	allowed, rule, err := policy.Allows(source, expr.Caller{
		Key:        state.Admission.Identity,
		Privileged: state.Admission.Privileged,
	})
	if err != nil {
		return nil, failure.Wrap(failure.KindBlockedHost, "source URL rejected by policy", err)
	}
	if !allowed {
		return nil, failure.Wrap(failure.KindBlockedHost, "source URL rejected by policy", errPolicy(rule))
	}
	return source, nil
}
