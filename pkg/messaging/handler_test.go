package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wehubfusion/Daedalus/pkg/action"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

func requestMsg() *message.RequestMsg {
	return &message.RequestMsg{
		RequestMessage: message.NewRequestMessage(action.Request{
			ActionExecutionID: "act-1",
			TaskExecutionID:   "task-1",
			ActionClass:       "std.echo",
		}),
		NATSMsg: message.NewNATSMsg("ACTIONS.run", nil),
	}
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, msg *message.RequestMsg) error {
				order = append(order, name)
				return next(ctx, msg)
			}
		}
	}

	h := Chain(mw("a"), mw("b"), mw("c"))(func(ctx context.Context, msg *message.RequestMsg) error {
		order = append(order, "handler")
		return nil
	})
	require.NoError(t, h(context.Background(), requestMsg()))
	assert.Equal(t, []string{"a", "b", "c", "handler"}, order)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(nil)(func(ctx context.Context, msg *message.RequestMsg) error {
		panic("nil map write")
	})
	err := h(context.Background(), requestMsg())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic recovered: nil map write")
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := LoggingMiddleware(zap.New(core))(func(ctx context.Context, msg *message.RequestMsg) error {
		return errors.New("boom")
	})

	require.Error(t, h(context.Background(), requestMsg()))
	entries := logs.FilterMessage("Error processing action request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "act-1", entries[0].ContextMap()["action_execution_id"])
}

func TestValidationMiddleware(t *testing.T) {
	called := false
	h := ValidationMiddleware()(func(ctx context.Context, msg *message.RequestMsg) error {
		called = true
		return nil
	})

	require.NoError(t, h(context.Background(), requestMsg()))
	assert.True(t, called)

	called = false
	bad := requestMsg()
	bad.Request.ActionClass = ""
	require.Error(t, h(context.Background(), bad))
	assert.False(t, called)

	require.Error(t, h(context.Background(), nil))
}
