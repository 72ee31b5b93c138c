package action

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Built-in action classes
const (
	ClassNoop   = "std.noop"
	ClassEcho   = "std.echo"
	ClassFail   = "std.fail"
	ClassFormat = "std.format"
	ClassSleep  = "std.sleep"
)

// NewBuiltinRegistry returns a registry holding the std.* actions
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

// RegisterBuiltins adds the std.* actions to r
func RegisterBuiltins(r *Registry) {
	r.MustRegister(ClassNoop, stateless(noop))
	r.MustRegister(ClassEcho, stateless(echo))
	r.MustRegister(ClassFail, stateless(fail))
	r.MustRegister(ClassFormat, stateless(format))
	r.MustRegister(ClassSleep, stateless(sleep))
}

func stateless(f ActionFunc) Factory {
	return func(map[string]any) (Action, error) {
		return f, nil
	}
}

func noop(context.Context, map[string]any) (Result, error) {
	return Result{}, nil
}

// echo returns params["output"], or all params when no output is given
func echo(_ context.Context, params map[string]any) (Result, error) {
	if out, ok := params["output"]; ok {
		return Result{Data: out}, nil
	}
	return Result{Data: params}, nil
}

func fail(_ context.Context, params map[string]any) (Result, error) {
	if data, ok := params["error_data"]; ok && data != nil {
		return Result{Error: data}, nil
	}
	return Result{Error: "Fail action expected exception."}, nil
}

// format changes the case of params["text"]; params["case"] is one of
// title (default), upper or lower.
func format(_ context.Context, params map[string]any) (Result, error) {
	text, ok := params["text"].(string)
	if !ok {
		return Result{}, fmt.Errorf("parameter 'text' must be a string, got %T", params["text"])
	}

	mode, _ := params["case"].(string)
	var caser cases.Caser
	switch strings.ToLower(mode) {
	case "", "title":
		caser = cases.Title(language.Und)
	case "upper":
		caser = cases.Upper(language.Und)
	case "lower":
		caser = cases.Lower(language.Und)
	default:
		return Result{}, fmt.Errorf("unsupported case: %s", mode)
	}
	return Result{Data: map[string]any{"output": caser.String(text)}}, nil
}

// sleep waits params["seconds"] then echoes params["output"]
func sleep(ctx context.Context, params map[string]any) (Result, error) {
	var d time.Duration
	switch s := params["seconds"].(type) {
	case int:
		d = time.Duration(s) * time.Second
	case int64:
		d = time.Duration(s) * time.Second
	case float64:
		d = time.Duration(s * float64(time.Second))
	case nil:
	default:
		return Result{}, fmt.Errorf("parameter 'seconds' must be a number, got %T", s)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-timer.C:
	}
	return Result{Data: params["output"]}, nil
}
