package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dharsanguruparan/scribeflow/internal/model"
	"github.com/dharsanguruparan/scribeflow/internal/signing"
)

func testMessage() Message {
	return Message{JobID: "job-1", Request: model.GenerationRequest{Topic: "composting", TenantID: "tenant-1"}}
}

func TestEncodeDecode(t *testing.T) {
	data, err := Encode(testMessage())
	require.NoError(t, err)
	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "job-1", msg.JobID)
	assert.Equal(t, "composting", msg.Request.Topic)

	_, err = Encode(Message{})
	assert.Error(t, err)
	_, err = Decode([]byte(`{"request":{}}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestAsynqDispatcherEnqueues(t *testing.T) {
	mr := miniredis.RunT(t)
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	defer client.Close()

	d := NewAsynqDispatcher(client, AsynqOptions{MaxRetry: 5, Timeout: time.Minute})
	require.NoError(t, d.Dispatch(context.Background(), testMessage()))

	ok, err := mr.SIsMember("asynq:queues", DefaultQueue)
	require.NoError(t, err)
	assert.True(t, ok)
	pending, err := mr.List("asynq:{" + DefaultQueue + "}:pending")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestAsynqDispatcherRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	d := NewAsynqDispatcher(client, AsynqOptions{})
	err := d.Dispatch(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enqueue generation task")
}

func TestLocalDispatcherDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Message, 1)
	d := NewLocalDispatcher(func(_ context.Context, msg Message) error {
		got <- msg
		return nil
	}, LocalOptions{Workers: 2, Logger: zaptest.NewLogger(t)})
	d.Start(ctx)

	require.NoError(t, d.Dispatch(ctx, testMessage()))
	select {
	case msg := <-got:
		assert.Equal(t, "job-1", msg.JobID)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	cancel()
	d.Wait()
}

func TestLocalDispatcherRetriesThenExhausts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	exhausted := make(chan error, 1)
	d := NewLocalDispatcher(func(context.Context, Message) error {
		calls.Add(1)
		return errors.New("redis unavailable")
	}, LocalOptions{
		MaxDeliveries: 3,
		BaseBackoff:   time.Millisecond,
		OnExhausted: func(_ context.Context, _ Message, err error) {
			exhausted <- err
		},
	})
	d.Start(ctx)
	require.NoError(t, d.Dispatch(ctx, testMessage()))

	select {
	case err := <-exhausted:
		assert.EqualError(t, err, "redis unavailable")
	case <-time.After(2 * time.Second):
		t.Fatal("exhaustion not reported")
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestLocalDispatcherSkipRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	var calls atomic.Int32
	d := NewLocalDispatcher(func(context.Context, Message) error {
		defer wg.Done()
		calls.Add(1)
		return fmt.Errorf("job vanished: %w", asynq.SkipRetry)
	}, LocalOptions{
		MaxDeliveries: 3,
		BaseBackoff:   time.Millisecond,
		OnExhausted: func(context.Context, Message, error) {
			t.Error("skip-retry errors must not exhaust")
		},
	})
	d.Start(ctx)
	require.NoError(t, d.Dispatch(ctx, testMessage()))
	wg.Wait()
	cancel()
	d.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestLocalDispatcherQueueFull(t *testing.T) {
	// Not started: nothing drains the buffer.
	d := NewLocalDispatcher(func(context.Context, Message) error { return nil }, LocalOptions{Workers: 1})
	for i := 0; i < 4; i++ {
		require.NoError(t, d.Dispatch(context.Background(), testMessage()))
	}
	assert.ErrorIs(t, d.Dispatch(context.Background(), testMessage()), ErrQueueFull)
}

func TestPushDispatcherSignsRequests(t *testing.T) {
	signer := signing.NewSigner([]byte("shared"), time.Minute)
	var received Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PushPath, r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		if err := signer.ValidateRequest(r, body); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		received, err = Decode(body)
		require.NoError(t, err)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewPushDispatcher(srv.URL, signer, srv.Client())
	require.NoError(t, d.Dispatch(context.Background(), testMessage()))
	assert.Equal(t, "job-1", received.JobID)

	wrong := NewPushDispatcher(srv.URL, signing.NewSigner([]byte("other"), time.Minute), srv.Client())
	err := wrong.Dispatch(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}
