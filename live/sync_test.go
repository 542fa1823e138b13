package live

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/go-playground/assert/v2"
)

func testSynchronizerSettings() *SynchronizerSettings {
	settings := DefaultSynchronizerSettings()
	settings.ConnectionSettings.ReconnectTimeout = 100 * time.Millisecond
	settings.SnapshotTimeout = 5 * time.Second
	return settings
}

func collectViews(synchronizer *Synchronizer) chan *View {
	views := make(chan *View, 1024)
	synchronizer.AddViewCallback(func(view *View) {
		views <- view
	})
	return views
}

func waitForView(t *testing.T, views chan *View, timeout time.Duration, test func(view *View) bool) *View {
	end := time.Now().Add(timeout)
	for {
		select {
		case view := <-views:
			if test(view) {
				return view
			}
		case <-time.After(time.Until(end)):
			t.Fatalf("Timeout waiting for view.")
			return nil
		}
	}
}

func TestSynchronizerSnapshotThenUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 5 * time.Second

	server := newTestQaServer()
	defer server.Close()
	server.SetSnapshot(`[{"_id":"1","status":"pending","answers":[]}]`, 0)

	api := NewQaApiWithContext(ctx, server.ApiUrl())
	defer api.Close()

	synchronizer := NewSynchronizer(ctx, api, server.WsUrl(), testSynchronizerSettings())
	views := collectViews(synchronizer)
	subscription := synchronizer.Start()
	defer subscription.Close()

	waitForConnect(t, server, timeout)
	view := waitForView(t, views, timeout, func(view *View) bool {
		return view.Connected
	})
	assert.Equal(t, view.Stale, false)
	assert.Equal(t, view.Questions, []*Question{
		{Id: "1", Status: StatusPending, Answers: []*Answer{}},
	})

	server.Broadcast(`{"type":"question_updated","data":{"_id":"1","status":"answered","answers":[]}}`)

	view = waitForView(t, views, timeout, func(view *View) bool {
		return len(view.Questions) == 1 && view.Questions[0].Status == StatusAnswered
	})
	assert.Equal(t, view.Questions, []*Question{
		{Id: "1", Status: StatusAnswered, Answers: []*Answer{}},
	})
	assert.Equal(t, synchronizer.View().Questions, view.Questions)
	assert.Equal(t, server.SnapshotCount(), 1)
}

func TestSynchronizerDropsBadMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 5 * time.Second

	server := newTestQaServer()
	defer server.Close()

	fetcher := newTestFetcher()
	fetcher.Push([]*Question{testQuestion("1", StatusPending)}, nil)

	synchronizer := NewSynchronizer(ctx, fetcher, server.WsUrl(), testSynchronizerSettings())
	views := collectViews(synchronizer)
	subscription := synchronizer.Start()
	defer subscription.Close()

	waitForConnect(t, server, timeout)
	waitForView(t, views, timeout, func(view *View) bool {
		return view.Connected
	})

	server.Broadcast(`{not json`)
	server.Broadcast(`{"type":"new_question","data":null}`)
	server.Broadcast(`null`)
	server.Broadcast(`{"type":"question_deleted","data":{"_id":"1"}}`)
	server.Broadcast(`{"type":"new_question","data":{"_id":"2","status":"pending"}}`)

	view := waitForView(t, views, timeout, func(view *View) bool {
		return len(view.Questions) == 2
	})
	assert.Equal(t, questionIds(view.Questions), []string{"2", "1"})
	assert.Equal(t, view.Connected, true)

	metrics := synchronizer.Metrics()
	assert.Equal(t, testutil.ToFloat64(metrics.messages), float64(5))
	assert.Equal(t, testutil.ToFloat64(metrics.decodeErrors), float64(3))
	assert.Equal(t, testutil.ToFloat64(metrics.events.WithLabelValues("ignored")), float64(1))
	assert.Equal(t, testutil.ToFloat64(metrics.events.WithLabelValues("created")), float64(1))
	assert.Equal(t, testutil.ToFloat64(metrics.collectionLength), float64(2))

	decodeErrorCount, err := testutil.GatherAndCount(metrics.Registry(), "qalive_decode_errors_total")
	assert.Equal(t, err, nil)
	assert.Equal(t, decodeErrorCount, 1)
}

func TestSynchronizerSnapshotFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 5 * time.Second

	server := newTestQaServer()
	defer server.Close()
	server.SetSnapshot("", http.StatusServiceUnavailable)

	api := NewQaApiWithContext(ctx, server.ApiUrl())
	defer api.Close()

	synchronizer := NewSynchronizer(ctx, api, server.WsUrl(), testSynchronizerSettings())
	views := collectViews(synchronizer)
	subscription := synchronizer.Start()
	defer subscription.Close()

	view := waitForView(t, views, timeout, func(view *View) bool {
		return view.Stale
	})
	var apiErr *ApiError
	assert.Equal(t, errors.As(view.Err, &apiErr), true)
	assert.Equal(t, apiErr.StatusCode, http.StatusServiceUnavailable)
	assert.Equal(t, apiErr.Message, "snapshot unavailable")
	assert.Equal(t, view.Questions, []*Question{})
	assert.Equal(t, view.Connected, false)

	// the channel is not opened on an unknown collection
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, server.ConnCount(), 0)
	assert.Equal(t, synchronizer.View().ConnectionState, ConnectionStateDisconnected)

	// a failed manual refresh reports the error
	err := synchronizer.Refresh()
	assert.Equal(t, errors.As(err, &apiErr), true)

	server.SetSnapshot(`[{"_id":"9","status":"escalated"}]`, 0)
	err = synchronizer.Refresh()
	assert.Equal(t, err, nil)

	waitForConnect(t, server, timeout)
	view = waitForView(t, views, timeout, func(view *View) bool {
		return view.Connected
	})
	assert.Equal(t, view.Stale, false)
	assert.Equal(t, view.Err, nil)
	assert.Equal(t, questionIds(view.Questions), []string{"9"})
}

func TestSynchronizerRefreshReplaysBufferedEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 5 * time.Second

	server := newTestQaServer()
	defer server.Close()

	fetcher := newTestFetcher()
	fetcher.Push([]*Question{testQuestion("1", StatusPending)}, nil)

	synchronizer := NewSynchronizer(ctx, fetcher, server.WsUrl(), testSynchronizerSettings())
	views := collectViews(synchronizer)
	subscription := synchronizer.Start()
	defer subscription.Close()

	waitForConnect(t, server, timeout)
	waitForView(t, views, timeout, func(view *View) bool {
		return view.Connected
	})

	// the initial fetch
	<-fetcher.started

	refreshErr := make(chan error, 1)
	go func() {
		refreshErr <- synchronizer.Refresh()
	}()
	select {
	case <-fetcher.started:
		// the refresh fetch is now blocked on the test fetcher
	case <-time.After(timeout):
		t.Fatalf("Timeout waiting for refresh fetch.")
	}

	server.Broadcast(`{"type":"new_question","data":{"_id":"2","status":"pending"}}`)
	waitForView(t, views, timeout, func(view *View) bool {
		return len(view.Questions) == 2
	})

	// a snapshot taken before "2" was created
	fetcher.Push([]*Question{testQuestion("1", StatusAnswered)}, nil)

	select {
	case err := <-refreshErr:
		assert.Equal(t, err, nil)
	case <-time.After(timeout):
		t.Fatalf("Timeout waiting for refresh.")
	}

	view := synchronizer.View()
	assert.Equal(t, questionIds(view.Questions), []string{"2", "1"})
	assert.Equal(t, view.Questions[1].Status, StatusAnswered)
}

func TestSynchronizerResyncOnReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 5 * time.Second

	server := newTestQaServer()
	defer server.Close()
	server.SetSnapshot(`[{"_id":"1","status":"pending"}]`, 0)

	api := NewQaApiWithContext(ctx, server.ApiUrl())
	defer api.Close()

	settings := testSynchronizerSettings()
	settings.ResyncOnReconnect = true

	synchronizer := NewSynchronizer(ctx, api, server.WsUrl(), settings)
	views := collectViews(synchronizer)
	subscription := synchronizer.Start()
	defer subscription.Close()

	waitForConnect(t, server, timeout)
	waitForView(t, views, timeout, func(view *View) bool {
		return view.Connected
	})

	// a question created while the client is offline is only seen through a resync
	server.SetSnapshot(`[{"_id":"2","status":"pending"},{"_id":"1","status":"pending"}]`, 0)
	server.DropConns()

	waitForView(t, views, timeout, func(view *View) bool {
		return !view.Connected
	})
	waitForConnect(t, server, timeout)
	view := waitForView(t, views, timeout, func(view *View) bool {
		return len(view.Questions) == 2
	})
	assert.Equal(t, questionIds(view.Questions), []string{"2", "1"})
	assert.Equal(t, server.SnapshotCount(), 2)
}

func TestSynchronizerRefreshFromObserver(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 5 * time.Second

	server := newTestQaServer()
	defer server.Close()

	fetcher := newTestFetcher()
	fetcher.Push(nil, errors.New("snapshot unavailable"))

	synchronizer := NewSynchronizer(ctx, fetcher, server.WsUrl(), testSynchronizerSettings())

	// retry on the first stale view, from inside the callback
	refreshErr := make(chan error, 1)
	var refreshOnce sync.Once
	synchronizer.AddViewCallback(func(view *View) {
		if view.Stale {
			refreshOnce.Do(func() {
				refreshErr <- synchronizer.Refresh()
			})
		}
	})
	views := collectViews(synchronizer)
	subscription := synchronizer.Start()
	defer subscription.Close()

	for i := 0; i < 2; i++ {
		select {
		case <-fetcher.started:
		case <-time.After(timeout):
			t.Fatalf("Timeout waiting for fetch.")
		}
	}
	fetcher.Push([]*Question{testQuestion("1", StatusPending)}, nil)

	select {
	case err := <-refreshErr:
		assert.Equal(t, err, nil)
	case <-time.After(timeout):
		t.Fatalf("Timeout waiting for refresh.")
	}

	// every view is still delivered, in order
	view := waitForView(t, views, timeout, func(view *View) bool {
		return true
	})
	assert.Equal(t, view.Stale, true)
	view = waitForView(t, views, timeout, func(view *View) bool {
		return !view.Stale
	})
	assert.Equal(t, view.Err, nil)
	assert.Equal(t, questionIds(view.Questions), []string{"1"})

	waitForConnect(t, server, timeout)
	waitForView(t, views, timeout, func(view *View) bool {
		return view.Connected
	})
}

func TestSynchronizerConnectionStates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 5 * time.Second

	server := newTestQaServer()
	defer server.Close()

	fetcher := newTestFetcher()
	fetcher.Push([]*Question{}, nil)

	synchronizer := NewSynchronizer(ctx, fetcher, server.WsUrl(), testSynchronizerSettings())
	views := collectViews(synchronizer)
	subscription := synchronizer.Start()

	waitForConnect(t, server, timeout)
	waitForView(t, views, timeout, func(view *View) bool {
		return view.ConnectionState == ConnectionStateConnected
	})

	server.DropConns()

	// every reconnect attempt is visible, not only the outcome
	waitForView(t, views, timeout, func(view *View) bool {
		return view.ConnectionState == ConnectionStateDisconnected
	})
	view := waitForView(t, views, timeout, func(view *View) bool {
		return view.ConnectionState != ConnectionStateDisconnected
	})
	assert.Equal(t, view.ConnectionState, ConnectionStateConnecting)
	assert.Equal(t, view.Connected, false)
	waitForView(t, views, timeout, func(view *View) bool {
		return view.ConnectionState == ConnectionStateConnected
	})

	subscription.Close()
	assert.Equal(t, synchronizer.View().ConnectionState, ConnectionStateClosed)
}

func TestSynchronizerStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 5 * time.Second

	server := newTestQaServer()
	defer server.Close()

	fetcher := newTestFetcher()
	fetcher.Push([]*Question{}, nil)

	synchronizer := NewSynchronizer(ctx, fetcher, server.WsUrl(), testSynchronizerSettings())
	views := collectViews(synchronizer)
	subscription := synchronizer.Start()
	assert.Equal(t, synchronizer.Start(), subscription)

	waitForConnect(t, server, timeout)
	waitForView(t, views, timeout, func(view *View) bool {
		return view.Connected
	})

	// stop during the reconnect delay
	server.DropConns()
	waitForView(t, views, timeout, func(view *View) bool {
		return !view.Connected
	})
	synchronizer.Stop(subscription)
	connectCount := len(server.connects)

	select {
	case <-subscription.Done():
	default:
		t.Fatalf("Expected stopped.")
	}
	assert.Equal(t, synchronizer.View().ConnectionState, ConnectionStateClosed)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, server.ConnCount(), 0)
	assert.Equal(t, len(server.connects), connectCount)

	// safe to repeat
	subscription.Close()
	assert.Equal(t, synchronizer.Refresh(), ErrClosed)
}

func TestSynchronizerStopBeforeStart(t *testing.T) {
	fetcher := newTestFetcher()
	synchronizer := NewSynchronizerWithDefaults(context.Background(), fetcher, "ws://127.0.0.1:1/ws")
	synchronizer.Stop(nil)

	// a stopped synchronizer does not start
	subscription := synchronizer.Start()
	select {
	case <-subscription.Done():
	case <-time.After(time.Second):
		t.Fatalf("Expected stopped.")
	}
}

func TestSynchronizerStopDuringSnapshot(t *testing.T) {
	fetcher := newTestFetcher()
	synchronizer := NewSynchronizerWithDefaults(context.Background(), fetcher, "ws://127.0.0.1:1/ws")
	subscription := synchronizer.Start()

	refreshErr := make(chan error, 1)
	go func() {
		refreshErr <- synchronizer.Refresh()
	}()

	time.Sleep(50 * time.Millisecond)
	subscription.Close()

	select {
	case err := <-refreshErr:
		assert.Equal(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatalf("Timeout waiting for refresh.")
	}
	assert.Equal(t, synchronizer.View().ConnectionState, ConnectionStateClosed)
}

func TestSynchronizerObserverPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher := newTestFetcher()
	fetcher.Push([]*Question{testQuestion("1", StatusPending)}, errors.New("offline"))

	synchronizer := NewSynchronizer(ctx, fetcher, "ws://127.0.0.1:1/ws", testSynchronizerSettings())
	synchronizer.AddViewCallback(func(view *View) {
		panic("observer")
	})
	views := collectViews(synchronizer)
	subscription := synchronizer.Start()
	defer subscription.Close()

	view := waitForView(t, views, 5*time.Second, func(view *View) bool {
		return view.Stale
	})
	assert.Equal(t, view.Err.Error(), "offline")
}
