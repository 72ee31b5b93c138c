package expression

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// DefaultTimeout bounds a single evaluation
const DefaultTimeout = time.Second

// JSEvaluator evaluates JavaScript expressions with goja. The data context is
// bound to the global "$". Compiled programs are cached by source text.
type JSEvaluator struct {
	timeout  time.Duration
	programs sync.Map // string -> *goja.Program
}

// NewJSEvaluator creates a JavaScript evaluator
func NewJSEvaluator(timeout time.Duration) *JSEvaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &JSEvaluator{timeout: timeout}
}

func (e *JSEvaluator) program(expr string) (*goja.Program, error) {
	if p, ok := e.programs.Load(expr); ok {
		return p.(*goja.Program), nil
	}
	p, err := goja.Compile("", "("+expr+")", true)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	e.programs.Store(expr, p)
	return p, nil
}

// Evaluate runs expr in a fresh runtime. goja runtimes are not safe for
// concurrent use, so none is shared between calls.
func (e *JSEvaluator) Evaluate(ctx context.Context, expr string, data any) (result any, err error) {
	prog, err := e.program(expr)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := vm.Set("$", data); err != nil {
		return nil, fmt.Errorf("bind context: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-timeoutCtx.Done():
			vm.Interrupt("execution timeout")
		case <-done:
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during evaluation: %v", r)
		}
	}()

	value, err := vm.RunProgram(prog)
	if err != nil {
		if _, ok := err.(*goja.InterruptedError); ok {
			return nil, fmt.Errorf("evaluation exceeded %v: %w", e.timeout, timeoutCtx.Err())
		}
		return nil, err
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}
