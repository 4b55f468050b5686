package observer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nevindra/conductor"
)

// TransitionHook returns a conductor.TransitionHook that counts every
// committed engine transition by kind, workflow, and resulting status.
// Register it with conductor.WithTransitionHook.
func TransitionHook(inst *Instruments) conductor.TransitionHook {
	return func(ctx context.Context, kind string, in conductor.Instance) {
		inst.Transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("transition.kind", kind),
			attribute.String("workflow.name", in.Workflow),
			attribute.String("instance.status", string(in.Status)),
		))
	}
}
