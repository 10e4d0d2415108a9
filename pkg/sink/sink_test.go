package sink_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medhive/coordinator/pkg/sink"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmitDelivers(t *testing.T) {
	var mu sync.Mutex
	var received []sink.Record

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rec sink.Record
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rec))

		mu.Lock()
		received = append(received, rec)
		mu.Unlock()

		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := sink.NewHTTP(srv.URL, discardLogger())
	s.Emit(sink.Record{RoundID: "r1", ModelKind: "pneumonia", Status: "completed", At: time.Now()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "r1", received[0].RoundID)
	assert.Equal(t, "completed", received[0].Status)
}

func TestEmitRetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		failing := calls <= 2
		mu.Unlock()

		if failing {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := sink.NewHTTP(srv.URL, discardLogger())
	s.Emit(sink.Record{RoundID: "r1"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls)
}

func TestEmitNeverBlocksOnUnreachableCollector(t *testing.T) {
	s := sink.NewHTTP("http://127.0.0.1:1", discardLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			s.Emit(sink.Record{RoundID: "r1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full queue")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// Draining may exceed the deadline; either outcome is acceptable as long
	// as Close returns promptly.
	_ = s.Close(ctx)
}

func TestEmitAfterCloseIsDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := sink.NewHTTP(srv.URL, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	// Late emitters, such as a finalization racing shutdown, must be dropped
	// quietly rather than crash on the closed queue.
	assert.NotPanics(t, func() { s.Emit(sink.Record{RoundID: "r1"}) })
}

func TestCloseIsIdempotent(t *testing.T) {
	s := sink.NewHTTP("http://127.0.0.1:1", discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_ = s.Close(ctx)
	assert.NotPanics(t, func() { _ = s.Close(ctx) })
}
