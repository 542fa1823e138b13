package live

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	// terminal
	ConnectionStateClosed
)

func (self ConnectionState) String() string {
	switch self {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// all handler functions are called serially from the connection goroutine
type ConnectionHandler interface {
	OnConnected()
	OnMessage(raw []byte)
	OnDisconnected()
	OnError(err error)
}

type ConnectionStateFunction = func(state ConnectionState)

// (ctx, url, header)
type WsDialContextFunc func(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error)

type ConnectionSettings struct {
	WsHandshakeTimeout time.Duration
	// fixed delay between the end of a connection (or a failed attempt) and the next attempt
	ReconnectTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	Header           http.Header
	// if nil, a gorilla dialer with `WsHandshakeTimeout` is used
	WsDialContext WsDialContextFunc
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		WsHandshakeTimeout: 5 * time.Second,
		ReconnectTimeout:   3 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        45 * time.Second,
	}
}

// a push channel to the server. The connection keeps reconnecting until `Close`.
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	handler  ConnectionHandler
	settings *ConnectionSettings

	stateLock sync.Mutex
	state     ConnectionState

	stateCallbacks *CallbackList[ConnectionStateFunction]

	done chan struct{}
}

func OpenConnection(
	ctx context.Context,
	url string,
	handler ConnectionHandler,
	settings *ConnectionSettings,
) *Connection {
	cancelCtx, cancel := context.WithCancel(ctx)
	connection := &Connection{
		ctx:            cancelCtx,
		cancel:         cancel,
		url:            url,
		handler:        handler,
		settings:       settings,
		state:          ConnectionStateDisconnected,
		stateCallbacks: NewCallbackList[ConnectionStateFunction](),
		done:           make(chan struct{}),
	}
	go connection.run()
	return connection
}

func (self *Connection) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Connection) Connected() bool {
	return self.State() == ConnectionStateConnected
}

func (self *Connection) AddStateCallback(stateCallback ConnectionStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *Connection) setState(state ConnectionState) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state == ConnectionStateClosed || self.state == state {
			return false
		}
		self.state = state
		return true
	}()
	if changed {
		glog.V(1).Infof("[c]%s %s\n", state, self.url)
		for _, stateCallback := range self.stateCallbacks.Get() {
			HandleError(func() {
				stateCallback(state)
			})
		}
	}
}

func (self *Connection) run() {
	defer func() {
		self.setState(ConnectionStateClosed)
		close(self.done)
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.setState(ConnectionStateConnecting)

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[c]connect %s", self.url), self.connect)
		} else {
			ws, err = self.connect()
		}
		if self.ctx.Err() != nil {
			if ws != nil {
				ws.Close()
			}
			return
		}

		if err != nil {
			glog.Infof("[c]connect error %s = %s\n", self.url, err)
			self.handler.OnError(err)
		} else {
			self.setState(ConnectionStateConnected)
			self.handler.OnConnected()
			self.handle(ws)
			if self.ctx.Err() != nil {
				return
			}
		}

		self.setState(ConnectionStateDisconnected)
		self.handler.OnDisconnected()

		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		timer := reconnect.Timer()
		select {
		case <-self.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (self *Connection) connect() (*websocket.Conn, error) {
	dialCtx, dialCancel := context.WithTimeout(self.ctx, self.settings.WsHandshakeTimeout)
	defer dialCancel()

	wsDialContext := self.settings.WsDialContext
	if wsDialContext == nil {
		dialer := &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		wsDialContext = dialer.DialContext
	}

	ws, response, err := wsDialContext(dialCtx, self.url, self.settings.Header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("Handshake failed (%d): %w", response.StatusCode, err)
		}
		return nil, err
	}
	return ws, nil
}

// reads until the transport is lost or the connection is closed
func (self *Connection) handle(ws *websocket.Conn) {
	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	go func() {
		// closing the conn unblocks the reader
		defer ws.Close()

		for {
			select {
			case <-handleCtx.Done():
				if self.ctx.Err() != nil {
					ws.WriteControl(
						websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(self.settings.WriteTimeout),
					)
				}
				return
			case <-time.After(self.settings.PingTimeout):
				// control writes are safe concurrently with the reader
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout)); err != nil {
					glog.Infof("[c]ping error %s = %s\n", self.url, err)
					return
				}
			}
		}
	}()

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if self.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Infof("[c]<- error %s = %s\n", self.url, err)
				self.handler.OnError(err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))

		switch messageType {
		case websocket.TextMessage:
			glog.V(2).Infof("[c]<- %s (%d)\n", self.url, len(message))
			self.handler.OnMessage(message)
		default:
			glog.V(2).Infof("[c]<- other=%d %s\n", messageType, self.url)
		}
	}
}

// Close moves the connection to `ConnectionStateClosed` and cancels any pending reconnect.
// When Close returns no further connection attempt will be made.
// Close must not be called from a handler function.
func (self *Connection) Close() {
	self.cancel()
	<-self.done
}

func (self *Connection) Done() <-chan struct{} {
	return self.done
}
