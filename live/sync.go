package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"
)

// what observers see. A view is shared between observers and must not be modified.
type View struct {
	Questions       []*Question
	ConnectionState ConnectionState
	// health flag of the push channel
	Connected bool
	// the last snapshot fetch failed; `Questions` may be out of date
	Stale bool
	// the last snapshot fetch error, if any
	Err error
	// increases with every published view
	Version uint64
}

type ViewFunction = func(view *View)

type SynchronizerSettings struct {
	ConnectionSettings *ConnectionSettings
	SnapshotTimeout    time.Duration
	// fetch a new snapshot after the channel reconnects,
	// to recover changes missed while disconnected
	ResyncOnReconnect bool
}

func DefaultSynchronizerSettings() *SynchronizerSettings {
	return &SynchronizerSettings{
		ConnectionSettings: DefaultConnectionSettings(),
		SnapshotTimeout:    30 * time.Second,
		ResyncOnReconnect:  false,
	}
}

// returned by `Start`. Closing it stops the synchronizer.
type Subscription struct {
	Id           Id
	synchronizer *Synchronizer
}

func (self *Subscription) Close() {
	self.synchronizer.Stop(self)
}

func (self *Subscription) Done() <-chan struct{} {
	return self.synchronizer.done
}

// Keeps a collection of questions in step with the server.
// A snapshot is fetched first, then the push channel is opened and every change event
// is merged into the collection. The collection and the connection are owned by a single
// goroutine; everything else (connection callbacks, fetch results, refresh requests)
// is delivered to it as an event, in order.
type Synchronizer struct {
	ctx    context.Context
	cancel context.CancelFunc

	fetcher  SnapshotFetcher
	wsUrl    string
	settings *SynchronizerSettings
	metrics  *Metrics

	viewCallbacks *CallbackList[ViewFunction]
	refreshGroup  singleflight.Group

	events chan any

	startOnce    sync.Once
	subscription *Subscription
	done         chan struct{}

	viewLock sync.Mutex
	view     *View

	// views waiting for the view callbacks, in publish order
	dispatchLock   sync.Mutex
	dispatchQueue  []*View
	dispatchNotify chan struct{}
	dispatchEnd    chan struct{}
	dispatchDone   chan struct{}

	// owned by the run goroutine
	questions       []*Question
	connection      *Connection
	connectionState ConnectionState
	everConnected   bool
	stale           bool
	snapshotErr     error
	fetching        bool
	refreshWaiters  []chan error
	// events seen while a fetch is in flight, replayed on top of the snapshot
	fetchBuffer []*ChangeEvent
	version     uint64
}

func NewSynchronizerWithDefaults(ctx context.Context, fetcher SnapshotFetcher, wsUrl string) *Synchronizer {
	return NewSynchronizer(ctx, fetcher, wsUrl, DefaultSynchronizerSettings())
}

func NewSynchronizer(
	ctx context.Context,
	fetcher SnapshotFetcher,
	wsUrl string,
	settings *SynchronizerSettings,
) *Synchronizer {
	cancelCtx, cancel := context.WithCancel(ctx)
	synchronizer := &Synchronizer{
		ctx:             cancelCtx,
		cancel:          cancel,
		fetcher:         fetcher,
		wsUrl:           wsUrl,
		settings:        settings,
		metrics:         NewMetrics(),
		viewCallbacks:   NewCallbackList[ViewFunction](),
		events:          make(chan any),
		done:            make(chan struct{}),
		dispatchNotify:  make(chan struct{}, 1),
		dispatchEnd:     make(chan struct{}),
		dispatchDone:    make(chan struct{}),
		questions:       []*Question{},
		connectionState: ConnectionStateDisconnected,
	}
	synchronizer.subscription = &Subscription{
		Id:           NewId(),
		synchronizer: synchronizer,
	}
	synchronizer.view = &View{
		Questions:       []*Question{},
		ConnectionState: ConnectionStateDisconnected,
	}
	return synchronizer
}

func (self *Synchronizer) Metrics() *Metrics {
	return self.metrics
}

// View callbacks are called serially with every view in publish order, from a dispatch
// goroutine separate from the synchronizer goroutine. A callback may call `Refresh`
// but must not call `Stop`.
func (self *Synchronizer) AddViewCallback(viewCallback ViewFunction) func() {
	callbackId := self.viewCallbacks.Add(viewCallback)
	return func() {
		self.viewCallbacks.Remove(callbackId)
	}
}

// the most recently published view
func (self *Synchronizer) View() *View {
	self.viewLock.Lock()
	defer self.viewLock.Unlock()
	return self.view
}

// Start is idempotent and returns the same subscription each time.
func (self *Synchronizer) Start() *Subscription {
	self.startOnce.Do(func() {
		go self.dispatchViews()
		go self.run()
	})
	return self.subscription
}

// Stop closes the push channel, cancels any pending reconnect or fetch,
// and waits for the synchronizer goroutine to exit and the final view to be delivered.
// It is safe to call in any state, more than once, and before `Start`.
func (self *Synchronizer) Stop(subscription *Subscription) {
	if subscription != nil && subscription != self.subscription {
		glog.Infof("[s]stop with unknown subscription %s\n", subscription.Id)
		return
	}
	self.cancel()
	self.startOnce.Do(func() {
		// never started
		close(self.done)
	})
	<-self.done
}

// Refresh fetches a new snapshot and replaces the collection with it.
// Concurrent calls share one fetch. Refresh blocks until the synchronizer is started or stopped.
func (self *Synchronizer) Refresh() error {
	_, err, _ := self.refreshGroup.Do("snapshot", func() (any, error) {
		result := make(chan error, 1)
		if !self.post(&refreshEvent{result: result}) {
			return nil, ErrClosed
		}
		select {
		case <-self.ctx.Done():
			return nil, ErrClosed
		case err := <-result:
			return nil, err
		}
	})
	return err
}

type snapshotEvent struct {
	questions []*Question
	err       error
}

type refreshEvent struct {
	result chan error
}

type connectedEvent struct{}

type connectingEvent struct{}

type disconnectedEvent struct{}

type transportErrorEvent struct {
	err error
}

type messageEvent struct {
	raw []byte
}

func (self *Synchronizer) post(event any) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.events <- event:
		return true
	}
}

func (self *Synchronizer) run() {
	defer close(self.done)
	defer func() {
		// observers see the final view before `Stop` returns
		close(self.dispatchEnd)
		<-self.dispatchDone
	}()

	self.fetch()

	for {
		select {
		case <-self.ctx.Done():
			self.close()
			return
		case event := <-self.events:
			self.handle(event)
		}
	}
}

func (self *Synchronizer) close() {
	if self.connection != nil {
		// the connection context is a child of ours, so its goroutine is already unwinding
		self.connection.Close()
		self.connection = nil
	}
	for _, refreshWaiter := range self.refreshWaiters {
		refreshWaiter <- ErrClosed
	}
	self.refreshWaiters = nil
	self.setConnectionState(ConnectionStateClosed)
	self.publish()
}

func (self *Synchronizer) handle(event any) {
	switch v := event.(type) {
	case *snapshotEvent:
		self.snapshot(v.questions, v.err)
	case *refreshEvent:
		self.refreshWaiters = append(self.refreshWaiters, v.result)
		self.fetch()
	case *connectedEvent:
		self.metrics.connected()
		resync := self.everConnected && self.settings.ResyncOnReconnect
		self.everConnected = true
		self.setConnectionState(ConnectionStateConnected)
		self.publish()
		if resync {
			glog.V(1).Infof("[s]resync %s\n", self.wsUrl)
			self.fetch()
		}
	case *connectingEvent:
		self.setConnectionState(ConnectionStateConnecting)
		self.publish()
	case *disconnectedEvent:
		self.metrics.disconnected()
		self.setConnectionState(ConnectionStateDisconnected)
		self.publish()
	case *transportErrorEvent:
		self.metrics.transportError()
	case *messageEvent:
		self.message(v.raw)
	default:
		panic(fmt.Errorf("Unknown event %T", event))
	}
}

// starts a snapshot fetch unless one is already in flight
func (self *Synchronizer) fetch() {
	if self.fetching {
		return
	}
	self.fetching = true
	self.fetchBuffer = []*ChangeEvent{}

	go HandleError(func() {
		var fetchCtx context.Context
		var fetchCancel context.CancelFunc
		if 0 < self.settings.SnapshotTimeout {
			fetchCtx, fetchCancel = context.WithTimeout(self.ctx, self.settings.SnapshotTimeout)
		} else {
			fetchCtx, fetchCancel = context.WithCancel(self.ctx)
		}
		defer fetchCancel()

		var questions []*Question
		var err error
		if glog.V(2) {
			questions, err = TraceWithReturnError(fmt.Sprintf("[s]snapshot %s", self.wsUrl), func() ([]*Question, error) {
				return self.fetcher.FetchQuestions(fetchCtx)
			})
		} else {
			questions, err = self.fetcher.FetchQuestions(fetchCtx)
		}
		self.post(&snapshotEvent{
			questions: questions,
			err:       err,
		})
	}, func(err error) {
		self.post(&snapshotEvent{
			err: err,
		})
	})
}

func (self *Synchronizer) snapshot(questions []*Question, err error) {
	self.fetching = false
	self.metrics.snapshotFetch(err)

	fetchBuffer := self.fetchBuffer
	self.fetchBuffer = nil

	refreshWaiters := self.refreshWaiters
	self.refreshWaiters = nil
	defer func() {
		for _, refreshWaiter := range refreshWaiters {
			refreshWaiter <- err
		}
	}()

	if err != nil {
		// keep whatever collection we have, and do not open the channel on top of it
		glog.Infof("[s]snapshot error %s = %s\n", self.wsUrl, err)
		self.stale = true
		self.snapshotErr = err
		self.publish()
		return
	}

	// changes seen during the fetch may be newer than the snapshot
	self.questions = ApplyAll(questions, fetchBuffer...)
	self.stale = false
	self.snapshotErr = nil

	if self.connection == nil {
		self.setConnectionState(ConnectionStateConnecting)
		self.connection = OpenConnection(
			self.ctx,
			self.wsUrl,
			&synchronizerConnectionHandler{synchronizer: self},
			self.settings.ConnectionSettings,
		)
		// connected and disconnected arrive through the handler.
		// The first connecting may be missed here, and is already set above.
		self.connection.AddStateCallback(func(state ConnectionState) {
			if state == ConnectionStateConnecting {
				self.post(&connectingEvent{})
			}
		})
	}
	self.publish()
}

func (self *Synchronizer) message(raw []byte) {
	self.metrics.message()

	event, err := DecodeEvent(raw)
	if err != nil {
		self.metrics.decodeError()
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			glog.Infof("[s]drop message (%s) = %s\n", decodeErr.Reason, err)
		} else {
			glog.Infof("[s]drop message = %s\n", err)
		}
		return
	}
	self.metrics.event(event.Kind)

	if event.Kind == ChangeKindIgnored {
		glog.V(1).Infof("[s]ignore message type %q\n", event.Type)
		return
	}

	glog.V(2).Infof("[s]apply %s\n", event)
	self.questions = Apply(self.questions, event)
	if self.fetching {
		self.fetchBuffer = append(self.fetchBuffer, event)
	}
	self.publish()
}

func (self *Synchronizer) setConnectionState(state ConnectionState) {
	if self.connectionState == ConnectionStateClosed {
		return
	}
	self.connectionState = state
	self.metrics.connectionStateChanged(state)
}

func (self *Synchronizer) publish() {
	self.version += 1
	view := &View{
		Questions:       CloneQuestions(self.questions),
		ConnectionState: self.connectionState,
		Connected:       self.connectionState == ConnectionStateConnected,
		Stale:           self.stale,
		Err:             self.snapshotErr,
		Version:         self.version,
	}
	func() {
		self.viewLock.Lock()
		defer self.viewLock.Unlock()
		self.view = view
	}()
	self.metrics.collection(view.Questions)

	func() {
		self.dispatchLock.Lock()
		defer self.dispatchLock.Unlock()
		self.dispatchQueue = append(self.dispatchQueue, view)
	}()
	select {
	case self.dispatchNotify <- struct{}{}:
	default:
	}
}

// Delivers published views to the view callbacks. The synchronizer goroutine never waits on
// an observer, so an observer may block on the synchronizer, e.g. in `Refresh`.
func (self *Synchronizer) dispatchViews() {
	defer close(self.dispatchDone)

	for {
		select {
		case <-self.dispatchNotify:
			self.deliver(self.takeViews())
		case <-self.dispatchEnd:
			self.deliver(self.takeViews())
			return
		}
	}
}

func (self *Synchronizer) takeViews() []*View {
	self.dispatchLock.Lock()
	defer self.dispatchLock.Unlock()
	views := self.dispatchQueue
	self.dispatchQueue = nil
	return views
}

func (self *Synchronizer) deliver(views []*View) {
	for _, view := range views {
		dispatch := func() {
			for _, viewCallback := range self.viewCallbacks.Get() {
				HandleError(func() {
					viewCallback(view)
				})
			}
		}
		if glog.V(2) {
			Trace(fmt.Sprintf("[s]dispatch %d", view.Version), dispatch)
		} else {
			dispatch()
		}
	}
}

// forwards connection callbacks to the synchronizer goroutine
type synchronizerConnectionHandler struct {
	synchronizer *Synchronizer
}

func (self *synchronizerConnectionHandler) OnConnected() {
	self.synchronizer.post(&connectedEvent{})
}

func (self *synchronizerConnectionHandler) OnMessage(raw []byte) {
	self.synchronizer.post(&messageEvent{raw: raw})
}

func (self *synchronizerConnectionHandler) OnDisconnected() {
	self.synchronizer.post(&disconnectedEvent{})
}

func (self *synchronizerConnectionHandler) OnError(err error) {
	self.synchronizer.post(&transportErrorEvent{err: err})
}
