// Package registry validates orchestration and activity functions once, at
// startup, and resolves them by name afterwards.
package registry

import (
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/davidroman0O/durablite/internal/types"
)

// RegistryBuildFn is a function that builds a registry
type RegistryBuildFn func() (*Registry, error)

type Registry struct {
	workflows     map[string]types.Workflow
	activities    map[string]types.Activity
	workflowFuncs map[uintptr]string
	activityFuncs map[uintptr]string
	sync.RWMutex
}

func New() *Registry {
	return &Registry{
		workflows:     make(map[string]types.Workflow),
		activities:    make(map[string]types.Activity),
		workflowFuncs: make(map[uintptr]string),
		activityFuncs: make(map[uintptr]string),
	}
}

type workflowEntry struct {
	fn   interface{}
	opts []types.WorkflowOption
}

type activityEntry struct {
	fn   interface{}
	opts []types.ActivityOption
}

// RegistryBuilder is used to register workflows and activities
type RegistryBuilder struct {
	workflows  []workflowEntry
	activities []activityEntry
}

// NewBuilder creates a new RegistryBuilder
func NewBuilder() *RegistryBuilder {
	return &RegistryBuilder{
		workflows:  make([]workflowEntry, 0),
		activities: make([]activityEntry, 0),
	}
}

// Workflow adds a workflow to be registered
func (b *RegistryBuilder) Workflow(workflow interface{}, opts ...types.WorkflowOption) *RegistryBuilder {
	b.workflows = append(b.workflows, workflowEntry{fn: workflow, opts: opts})
	return b
}

func (b *RegistryBuilder) Activity(activity interface{}, opts ...types.ActivityOption) *RegistryBuilder {
	b.activities = append(b.activities, activityEntry{fn: activity, opts: opts})
	return b
}

// Build finalizes the registry and returns it
func (b *RegistryBuilder) Build() RegistryBuildFn {
	return func() (*Registry, error) {
		r := New()
		for _, w := range b.workflows {
			if err := r.RegisterWorkflow(w.fn, w.opts...); err != nil {
				return nil, err
			}
		}
		for _, a := range b.activities {
			if err := r.RegisterActivity(a.fn, a.opts...); err != nil {
				return nil, err
			}
		}
		return r, nil
	}
}

// GetWorkflow returns the orchestration registered under name.
func (r *Registry) GetWorkflow(name string) (types.Workflow, error) {
	r.RLock()
	defer r.RUnlock()
	workflow, ok := r.workflows[name]
	if !ok {
		return types.Workflow{}, fmt.Errorf("%w: %s", types.ErrOrchestrationNotRegistered, name)
	}
	return workflow, nil
}

// GetActivity returns the activity registered under name.
func (r *Registry) GetActivity(name string) (types.Activity, error) {
	r.RLock()
	defer r.RUnlock()
	activity, ok := r.activities[name]
	if !ok {
		return types.Activity{}, fmt.Errorf("%w: %s", types.ErrActivityNotRegistered, name)
	}
	return activity, nil
}

// ActivityName accepts a registered name or a registered function.
func (r *Registry) ActivityName(activity interface{}) (string, error) {
	r.RLock()
	defer r.RUnlock()
	return lookupName(activity, r.activityFuncs, func(name string) bool {
		_, ok := r.activities[name]
		return ok
	}, types.ErrActivityNotRegistered)
}

// WorkflowName accepts a registered name or a registered function.
func (r *Registry) WorkflowName(workflow interface{}) (string, error) {
	r.RLock()
	defer r.RUnlock()
	return lookupName(workflow, r.workflowFuncs, func(name string) bool {
		_, ok := r.workflows[name]
		return ok
	}, types.ErrOrchestrationNotRegistered)
}

// Workflows lists the registered orchestration names, sorted.
func (r *Registry) Workflows() []string {
	r.RLock()
	defer r.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupName(handler interface{}, funcs map[uintptr]string, exists func(string) bool, notRegistered error) (string, error) {
	switch v := handler.(type) {
	case string:
		if !exists(v) {
			return "", fmt.Errorf("%w: %s", notRegistered, v)
		}
		return v, nil
	case types.HandlerIdentity:
		return lookupName(string(v), funcs, exists, notRegistered)
	}
	value := reflect.ValueOf(handler)
	if value.Kind() != reflect.Func {
		return "", fmt.Errorf("%w: %T is neither a name nor a function", notRegistered, handler)
	}
	name, ok := funcs[value.Pointer()]
	if !ok {
		return "", fmt.Errorf("%w: %s", notRegistered, funcName(handler))
	}
	return name, nil
}

func funcName(fn interface{}) string {
	return runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
}

// shortName drops the import path and package: "github.com/x/demo.F1" is "F1".
func shortName(longName string) string {
	name := longName
	if slash := strings.LastIndex(name, "/"); slash >= 0 {
		name = name[slash+1:]
	}
	if dot := strings.Index(name, "."); dot >= 0 {
		name = name[dot+1:]
	}
	return name
}

var (
	errorType = reflect.TypeOf((*error)(nil)).Elem()
)

// inspect checks the shared handler shape: ctxType first, at most one
// input, an error last with at most one result before it.
func inspect(kind string, handler interface{}, ctxType reflect.Type) (types.HandlerInfo, error) {
	if handler == nil {
		return types.HandlerInfo{}, fmt.Errorf("%s must be a function, got nil", kind)
	}
	handlerType := reflect.TypeOf(handler)

	if handlerType.Kind() != reflect.Func {
		return types.HandlerInfo{}, fmt.Errorf("%s must be a function", kind)
	}

	if handlerType.NumIn() < 1 {
		return types.HandlerInfo{}, fmt.Errorf("%s function must have at least one input parameter (%s)", kind, ctxType.Name())
	}

	if handlerType.In(0) != ctxType {
		return types.HandlerInfo{}, fmt.Errorf("first parameter of %s function must be %s", kind, ctxType.Name())
	}

	if handlerType.NumIn() > 2 {
		return types.HandlerInfo{}, fmt.Errorf("%s function accepts at most one input after the context, got %d", kind, handlerType.NumIn()-1)
	}

	numOut := handlerType.NumOut()
	if numOut == 0 {
		return types.HandlerInfo{}, fmt.Errorf("%s function must return at least an error", kind)
	}
	if numOut > 2 {
		return types.HandlerInfo{}, fmt.Errorf("%s function returns at most one value and an error, got %d values", kind, numOut)
	}

	// Verify that the last return type is error
	if handlerType.Out(numOut-1) != errorType {
		return types.HandlerInfo{}, fmt.Errorf("last return value of %s function must be error", kind)
	}

	longName := funcName(handler)
	info := types.HandlerInfo{
		HandlerName:     shortName(longName),
		HandlerLongName: types.HandlerIdentity(longName),
		Handler:         handler,
		NumIn:           handlerType.NumIn() - 1, // Exclude context
		NumOut:          numOut - 1,              // Exclude error
	}
	if info.NumIn == 1 {
		info.ParamType = handlerType.In(1)
	}
	if info.NumOut == 1 {
		info.ReturnType = handlerType.Out(0)
	}
	return info, nil
}
