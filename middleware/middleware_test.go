package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blekit/message"
)

func echoHandler(ctx context.Context, req *message.Request) *message.Response {
	return message.Reply(req.Payload, nil)
}

func slowHandler(ctx context.Context, req *message.Request) *message.Response {
	time.Sleep(200 * time.Millisecond)
	return message.Reply([]byte("late"), nil)
}

func pingRequest() *message.Request {
	return &message.Request{Protocol: "test", CommandID: 0x01, CommandName: "Ping", Payload: []byte("ping")}
}

func TestLogging(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	handler := LoggingMiddleware(logrus.NewEntry(logger))(echoHandler)
	resp := handler(context.Background(), pingRequest())

	require.NotNil(t, resp)
	assert.Equal(t, []byte("ping"), resp.Payload)
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "command handled", hook.LastEntry().Message)
	assert.Equal(t, "Ping", hook.LastEntry().Data["command"])
}

func TestLoggingFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	failing := func(ctx context.Context, req *message.Request) *message.Response {
		return message.Reply(nil, errors.New("boom"))
	}

	LoggingMiddleware(logrus.NewEntry(logger))(failing)(context.Background(), pingRequest())

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeoutMiddleware(500 * time.Millisecond)(echoHandler)
	resp := handler(context.Background(), pingRequest())
	assert.NoError(t, resp.Err)
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeoutMiddleware(50 * time.Millisecond)(slowHandler)
	resp := handler(context.Background(), pingRequest())
	assert.ErrorIs(t, resp.Err, ErrTimeout)
}

func TestRateLimit(t *testing.T) {
	// 1 per second, burst 2: the first two pass, the third is rejected.
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), pingRequest())
		require.NoError(t, resp.Err, "request %d", i)
	}

	resp := handler(context.Background(), pingRequest())
	assert.ErrorIs(t, resp.Err, ErrRateLimited)
}

func TestRetryTemporary(t *testing.T) {
	var calls atomic.Int32
	flaky := func(ctx context.Context, req *message.Request) *message.Response {
		if calls.Add(1) < 3 {
			return message.Reply(nil, fmt.Errorf("busy: %w", ErrTemporary))
		}
		return message.Reply([]byte("ok"), nil)
	}

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	resp := RetryMiddleware(3, time.Millisecond, logrus.NewEntry(logger))(flaky)(context.Background(), pingRequest())
	require.NoError(t, resp.Err)
	assert.Equal(t, []byte("ok"), resp.Payload)
	assert.Equal(t, int32(3), calls.Load())

	require.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, "retrying command", hook.LastEntry().Message)
	assert.Equal(t, 2, hook.LastEntry().Data["attempt"])
}

func TestRetryDoesNotRepeatTimedOutHandler(t *testing.T) {
	var calls atomic.Int32
	slow := func(ctx context.Context, req *message.Request) *message.Response {
		calls.Add(1)
		return slowHandler(ctx, req)
	}

	handler := RetryMiddleware(3, time.Millisecond, nil)(TimeoutMiddleware(10 * time.Millisecond)(slow))
	resp := handler(context.Background(), pingRequest())
	assert.ErrorIs(t, resp.Err, ErrTimeout)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryPermanent(t *testing.T) {
	var calls atomic.Int32
	broken := func(ctx context.Context, req *message.Request) *message.Response {
		calls.Add(1)
		return message.Reply(nil, errors.New("bad request"))
	}

	resp := RetryMiddleware(3, time.Millisecond, nil)(broken)(context.Background(), pingRequest())
	assert.Error(t, resp.Err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRecover(t *testing.T) {
	panicky := func(ctx context.Context, req *message.Request) *message.Response {
		panic("nil map")
	}

	resp := RecoverMiddleware()(panicky)(context.Background(), pingRequest())
	require.NotNil(t, resp)
	assert.ErrorIs(t, resp.Err, ErrPanic)
	assert.Contains(t, resp.Err.Error(), "nil map")
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) *message.Response {
				order = append(order, name+">")
				resp := next(ctx, req)
				order = append(order, "<"+name)
				return resp
			}
		}
	}

	handler := Chain(mark("A"), mark("B"), TimeoutMiddleware(500*time.Millisecond))(echoHandler)
	resp := handler(context.Background(), pingRequest())

	require.NoError(t, resp.Err)
	assert.Equal(t, []string{"A>", "B>", "<B", "<A"}, order)
}
