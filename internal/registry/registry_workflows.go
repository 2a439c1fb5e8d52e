package registry

import (
	"fmt"
	"reflect"

	"github.com/davidroman0O/durablite/internal/replay"
	"github.com/davidroman0O/durablite/internal/types"
)

var workflowContextType = reflect.TypeOf(replay.WorkflowContext{})

// RegisterWorkflow validates workflowFunc and stores it under its short
// function name, or the name given with types.WithWorkflowName.
func (r *Registry) RegisterWorkflow(workflowFunc interface{}, opts ...types.WorkflowOption) error {
	info, err := inspect("workflow", workflowFunc, workflowContextType)
	if err != nil {
		return err
	}

	options := types.WorkflowOptions{Name: info.HandlerName}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Name == "" {
		return fmt.Errorf("workflow %s registered with an empty name", info.HandlerLongName)
	}
	info.HandlerName = options.Name

	r.Lock()
	defer r.Unlock()
	if _, exists := r.workflows[info.HandlerName]; exists {
		return fmt.Errorf("workflow %q is already registered", info.HandlerName)
	}
	r.workflows[info.HandlerName] = types.Workflow(info)
	r.workflowFuncs[reflect.ValueOf(workflowFunc).Pointer()] = info.HandlerName
	return nil
}

func (r *Registry) IsWorkflowRegistered(name string) bool {
	r.RLock()
	_, ok := r.workflows[name]
	r.RUnlock()
	return ok
}
