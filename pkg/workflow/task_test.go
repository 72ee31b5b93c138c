package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/withitems"
)

const sample = `
action-defaults:
  std.echo:
    suffix: "!"
tasks:
  - name: greet
    action: std.echo
    input:
      output: <% $.greeting %>
    with-items:
      - name in <% $.names %>
      - greeting in $.greetings
    publish:
      result: $.output
    concurrency: 2
    keep-result: false
  - name: single
    action: std.noop
    with-items: x in $.xs
`

func TestParseTaskSpecs(t *testing.T) {
	def, err := ParseTaskSpecs([]byte(sample))
	require.NoError(t, err)
	require.Len(t, def.Tasks, 2)

	greet, ok := def.Task("greet")
	require.True(t, ok)
	assert.Equal(t, "std.echo", greet.Action)
	assert.Equal(t, map[string]any{"output": "<% $.greeting %>"}, greet.Input)
	assert.False(t, greet.ShouldKeepResult())
	assert.Equal(t, map[string]any{"suffix": "!"}, def.Defaults("std.echo"))

	spec, err := greet.WithItems()
	require.NoError(t, err)
	assert.Equal(t, withitems.Spec{
		Variables: []withitems.Variable{
			{Name: "name", Expr: "<% $.names %>"},
			{Name: "greeting", Expr: "$.greetings"},
		},
		Publish:     &withitems.Publish{Key: "result", Expr: "$.output"},
		Concurrency: 2,
	}, spec)

	single, ok := def.Task("single")
	require.True(t, ok)
	assert.Equal(t, StringList{"x in $.xs"}, single.Items)
	assert.True(t, single.ShouldKeepResult())

	_, ok = def.Task("missing")
	assert.False(t, ok)
}

func TestParseTaskSpecs_Invalid(t *testing.T) {
	tests := map[string]string{
		"no tasks":        `tasks: []`,
		"missing action":  "tasks:\n  - name: a\n    with-items: x in $.xs\n",
		"missing items":   "tasks:\n  - name: a\n    action: std.noop\n",
		"bad declaration": "tasks:\n  - name: a\n    action: std.noop\n    with-items: $.xs\n",
		"two publish keys": "tasks:\n  - name: a\n    action: std.noop\n    with-items: x in $.xs\n" +
			"    publish:\n      a: $.a\n      b: $.b\n",
		"duplicate names": "tasks:\n  - {name: a, action: std.noop, with-items: x in $.xs}\n" +
			"  - {name: a, action: std.noop, with-items: x in $.xs}\n",
		"negative concurrency": "tasks:\n  - {name: a, action: std.noop, with-items: x in $.xs, concurrency: -1}\n",
		"with-items mapping":   "tasks:\n  - name: a\n    action: std.noop\n    with-items: {x: y}\n",
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTaskSpecs([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadTaskSpecs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	def, err := LoadTaskSpecs(path)
	require.NoError(t, err)
	assert.Len(t, def.Tasks, 2)

	_, err = LoadTaskSpecs(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
