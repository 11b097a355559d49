package tempo

import (
	"fmt"
	"strings"
)

// BuildServiceQuery constructs a TraceQL query matching traces that touch any
// of the given services. No services matches every trace.
func BuildServiceQuery(services ...string) string {
	if len(services) == 0 {
		return "{}"
	}
	clauses := make([]string, 0, len(services))
	for _, s := range services {
		clauses = append(clauses, fmt.Sprintf("resource.service.name = %q", s))
	}
	return "{ " + strings.Join(clauses, " || ") + " }"
}

// BuildErrorSpansQuery constructs a TraceQL query for traces in which the
// service recorded an error span.
func BuildErrorSpansQuery(serviceName string) string {
	return fmt.Sprintf("{ resource.service.name = %q && status = error }", serviceName)
}
