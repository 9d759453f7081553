package queue

import (
	"fmt"
	"strings"
)

// qualifiedStructName derives a task name from a payload value, pointer or
// not: a pipeline.StepTask payload becomes the "pipeline.StepTask" task name
// on both the enqueue and the handling side.
func qualifiedStructName(v any) string {
	s := fmt.Sprintf("%T", v)
	s = strings.TrimLeft(s, "*")

	return s
}
