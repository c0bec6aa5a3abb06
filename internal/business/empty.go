package business

import "context"

// EmptyLoopName is the registry name of EmptyLoop.
const EmptyLoopName = "EmptyLoop"

// EmptyLoop does nothing, successfully. It is used to measure the overhead
// of mobu itself.
type EmptyLoop struct {
	*Base
}

// NewEmptyLoop creates an EmptyLoop.
func NewEmptyLoop(base *Base, _ map[string]any) (Behavior, error) {
	return &EmptyLoop{Base: base}, nil
}

// Execute does nothing.
func (e *EmptyLoop) Execute(context.Context) error {
	return nil
}
