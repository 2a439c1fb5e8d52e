// Package demo holds the HelloSequence orchestration and its F1, F2 and F3
// activities, used by the server binary and the end-to-end tests.
package demo

import (
	"fmt"

	"github.com/davidroman0O/durablite/internal/registry"
	"github.com/davidroman0O/durablite/internal/replay"
	"github.com/davidroman0O/durablite/internal/types"
)

// Cities are greeted in this order by both orchestrations.
var Cities = []string{"Tokyo", "Seattle", "London"}

// HelloSequence awaits each greeting before asking for the next one.
func HelloSequence(ctx replay.WorkflowContext) ([]string, error) {
	outputs := make([]string, 0, len(Cities))
	for i, activity := range []interface{}{F1, F2, F3} {
		var greeting string
		if err := ctx.CallActivity(activity, Cities[i]).Get(&greeting); err != nil {
			return nil, err
		}
		ctx.Logger().Info(ctx, "Greeting received", "greeting", greeting)
		outputs = append(outputs, greeting)
	}
	return outputs, nil
}

// HelloFanOut issues every greeting before awaiting any of them.
func HelloFanOut(ctx replay.WorkflowContext) ([]string, error) {
	futures := []replay.Future{
		ctx.CallActivity(F1, Cities[0]),
		ctx.CallActivity(F2, Cities[1]),
		ctx.CallActivity(F3, Cities[2]),
	}
	outputs := make([]string, len(futures))
	for i, future := range futures {
		if err := future.Get(&outputs[i]); err != nil {
			return nil, err
		}
	}
	return outputs, nil
}

func F1(ctx types.ActivityContext, name string) (string, error) {
	return greet(name), nil
}

func F2(ctx types.ActivityContext, name string) (string, error) {
	return greet(name), nil
}

func F3(ctx types.ActivityContext, name string) (string, error) {
	return greet(name), nil
}

func greet(name string) string {
	return fmt.Sprintf("Hello %s!", name)
}

// Register adds the demo orchestrations and activities to b.
func Register(b *registry.RegistryBuilder) *registry.RegistryBuilder {
	return b.
		Workflow(HelloSequence).
		Workflow(HelloFanOut).
		Activity(F1).
		Activity(F2).
		Activity(F3)
}
