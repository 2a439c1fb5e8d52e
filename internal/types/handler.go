package types

import "reflect"

// Handler types
type HandlerIdentity string

func (h HandlerIdentity) String() string {
	return string(h)
}

// HandlerInfo describes a registered function: its callable value and the
// types it accepts and returns, excluding the leading context parameter and
// the trailing error.
type HandlerInfo struct {
	HandlerName     string
	HandlerLongName HandlerIdentity
	Handler         interface{}
	ParamType       reflect.Type // nil when the handler takes no input
	ReturnType      reflect.Type // nil when the handler only returns an error
	NumIn           int
	NumOut          int
}

// HasInput reports whether the handler declares an input parameter.
func (h HandlerInfo) HasInput() bool {
	return h.ParamType != nil
}

// HasOutput reports whether the handler declares a result besides the error.
func (h HandlerInfo) HasOutput() bool {
	return h.ReturnType != nil
}

type Workflow HandlerInfo

type Activity struct {
	HandlerInfo
	Options ActivityOptions
}
