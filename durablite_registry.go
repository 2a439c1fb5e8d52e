package durablite

import "github.com/davidroman0O/durablite/internal/registry"

// NewRegistry starts a registry of orchestrations and activities. Its Build
// result is what New expects:
//
//	durablite.New(ctx, durablite.NewRegistry().
//		Workflow(HelloSequence).
//		Activity(F1).
//		Build())
func NewRegistry() *RegistryBuilder {
	return registry.NewBuilder()
}
