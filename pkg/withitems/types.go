// Package withitems implements the iteration core of a with-items task:
// expanding parallel input collections into per-iteration bindings,
// accumulating iteration results into the task output, and deciding when
// every iteration has reported back.
package withitems

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/action"
)

// Result is the outcome of a single iteration
type Result = action.Result

// IterationInput binds every with-items variable to one item
type IterationInput map[string]any

// Binding is a with-items variable and its resolved collection
type Binding struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Values is the resolved with-items input, in declaration order
type Values []Binding

// Get returns the collection bound to name
func (v Values) Get(name string) (any, bool) {
	for _, b := range v {
		if b.Name == name {
			return b.Value, true
		}
	}
	return nil, false
}

// Len is the iteration count: the length of the first declared collection.
// It is 0 when there are no bindings or the first value is not a sequence.
func (v Values) Len() int {
	if len(v) == 0 {
		return 0
	}
	n, ok := seqLen(v[0].Value)
	if !ok {
		return 0
	}
	return n
}

// Map returns the bindings as a name -> collection map
func (v Values) Map() map[string]any {
	m := make(map[string]any, len(v))
	for _, b := range v {
		m[b.Name] = b.Value
	}
	return m
}

func (v Values) String() string {
	parts := make([]string, len(v))
	for i, b := range v {
		parts[i] = fmt.Sprintf("%s: %v", b.Name, b.Value)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Variable is one "name in expression" with-items declaration
type Variable struct {
	Name string `json:"name" yaml:"name"`
	Expr string `json:"expr" yaml:"expr"`
}

// Publish projects an iteration result onto a single designated output key
type Publish struct {
	Key  string `json:"key" yaml:"key"`
	Expr any    `json:"expr" yaml:"expr"`
}

// Spec is the with-items part of a task definition
type Spec struct {
	Variables   []Variable `json:"variables"`
	Publish     *Publish   `json:"publish,omitempty"`
	Concurrency int        `json:"concurrency,omitempty"`
}

// Key returns the designated output key, or "" without a publish clause
func (s Spec) Key() string {
	if s.Publish == nil {
		return ""
	}
	return s.Publish.Key
}

// seqLen returns the length of a slice or array value. Strings and byte
// slices are not sequences.
func seqLen(v any) (int, bool) {
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return 0, false
		}
		return rv.Len(), true
	default:
		return 0, false
	}
}

func seqAt(v any, i int) any {
	return reflect.ValueOf(v).Index(i).Interface()
}
