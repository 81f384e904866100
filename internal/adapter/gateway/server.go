package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"squadron/internal/domain"
	"squadron/internal/infra/config"
	"squadron/internal/infra/logger"
	"squadron/internal/infra/middleware"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// RPCHandler handles a single RPC method call.
type RPCHandler func(ctx context.Context, req *Request) (json.RawMessage, error)

// Observer receives gateway measurements. *metrics.Metrics implements it.
type Observer interface {
	ObserveRequest(method string, err error)
	ConnectionOpened()
	ConnectionClosed()
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, error) {}
func (nopObserver) ConnectionOpened()            {}
func (nopObserver) ConnectionClosed()            {}

// Request is one RPC call as seen by a handler.
type Request struct {
	ID      uint64
	Method  string
	Payload json.RawMessage
	Client  *ClientInfo

	conn *clientConn
}

// Notify pushes an event frame carrying the request ID to the calling
// client. Frames are delivered in order, before the response. It blocks
// while the client's queue is full.
func (r *Request) Notify(ctx context.Context, method string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if r.conn == nil {
		return nil
	}
	return r.conn.send(ctx, Frame{Type: FrameTypeEvent, ID: r.ID, Method: method, Payload: payload})
}

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	id        uint64
	info      *ClientInfo
	ws        *websocket.Conn
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
}

func (c *clientConn) send(ctx context.Context, f Frame) error {
	select {
	case c.sendCh <- f:
		return nil
	case <-c.done:
		return domain.ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Server is the WebSocket gateway exposing RPC methods and forwarding bus
// events to every connected client.
type Server struct {
	cfg        config.GatewayConfig
	bus        domain.EventBus
	auth       Authenticator
	observer   Observer
	logger     *slog.Logger
	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler
	httpRoutes []httpRoute
	clients    sync.Map // conn id -> *clientConn
	nextID     atomic.Uint64

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	unsubAll  func()
	cancel    context.CancelFunc
}

type httpRoute struct {
	pattern string
	handler http.Handler
}

// NewServer creates a gateway server. bus and observer may be nil.
func NewServer(cfg config.GatewayConfig, bus domain.EventBus, auth Authenticator, observer Observer, l *slog.Logger) *Server {
	if observer == nil {
		observer = nopObserver{}
	}
	if auth == nil {
		auth = OpenAuth()
	}
	return &Server{
		cfg:      cfg,
		bus:      bus,
		auth:     auth,
		observer: observer,
		logger:   logger.OrDiscard(l).With("component", "gateway"),
		handlers: make(map[string]RPCHandler),
	}
}

// RegisterHandler adds an RPC handler for method. Safe to call while
// clients are connected.
func (s *Server) RegisterHandler(method string, h RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = h
	s.handlersMu.Unlock()
}

// RegisterHTTPRoute adds a plain HTTP route. Must be called before Start.
func (s *Server) RegisterHTTPRoute(pattern string, h http.Handler) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: h})
}

// Handler returns the HTTP handler serving /ws and the extra routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	for _, r := range s.httpRoutes {
		mux.Handle(r.pattern, r.handler)
	}
	mws := []middleware.Middleware{middleware.Recover(s.logger), middleware.SecurityHeaders}
	if rl := s.cfg.RateLimit; rl.RequestsPerSecond > 0 {
		mws = append(mws, middleware.NewIPLimiter(rl.RequestsPerSecond, rl.Burst, s.cfg.TrustedProxies).Middleware)
	}
	return middleware.Chain(mux, mws...)
}

// Start listens and serves until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.cancel = cancel
	if s.bus != nil {
		s.unsubAll = s.bus.SubscribeAll(s.forwardEvent)
	}
	s.mu.Unlock()

	s.logger.Info("gateway started", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes every client connection and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, unsub, cancel := s.httpSrv, s.unsubAll, s.cancel
	s.httpSrv, s.unsubAll, s.cancel = nil, nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		_ = cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})
	if srv == nil {
		return nil
	}
	shutdownCtx, done := context.WithTimeout(ctx, 5*time.Second)
	defer done()
	return srv.Shutdown(shutdownCtx)
}

// BoundAddr returns the address the server bound to. Empty before Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

func (s *Server) forwardEvent(_ context.Context, event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	frame := Frame{Type: FrameTypeEvent, Method: string(event.Type), Payload: payload}
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		select {
		case cc.sendCh <- frame:
		default:
			s.logger.Warn("dropped event for slow client", "conn_id", cc.id, "event", event.Type)
		}
		return true
	})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	info, err := s.auth.Authenticate(bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns()})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	cc := &clientConn{
		id:      s.nextID.Add(1),
		info:    info,
		ws:      ws,
		sendCh:  make(chan Frame, sendBuffer),
		done:    make(chan struct{}),
		limiter: s.newLimiter(),
	}
	s.clients.Store(cc.id, cc)
	s.observer.ConnectionOpened()
	s.logger.Info("client connected", "conn_id", cc.id, "client", info.Name)

	ctx, cancel := context.WithCancel(r.Context())
	var inflight sync.WaitGroup
	go s.writeLoop(ctx, cc)
	s.readLoop(ctx, cc, &inflight)

	// In-flight turns observe the cancellation and record a cancelled turn.
	cancel()
	cc.close()
	inflight.Wait()
	s.clients.Delete(cc.id)
	s.observer.ConnectionClosed()
	_ = ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("client disconnected", "conn_id", cc.id)
}

func (s *Server) originPatterns() []string {
	if len(s.cfg.AllowedOrigins) > 0 {
		return s.cfg.AllowedOrigins
	}
	return []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"}
}

func (s *Server) newLimiter() *rate.Limiter {
	rl := s.cfg.RateLimit
	if rl.RequestsPerSecond <= 0 {
		return nil
	}
	burst := rl.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	return r.URL.Query().Get("token")
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn, inflight *sync.WaitGroup) {
	for {
		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if frame.Type != FrameTypeRequest {
			continue
		}
		if cc.limiter != nil && !cc.limiter.Allow() {
			s.observer.ObserveRequest(frame.Method, domain.ErrRateLimit)
			s.respond(ctx, cc, frame.ID, nil, domain.ErrRateLimit)
			continue
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			s.dispatch(ctx, cc, frame)
		}()
	}
}

func (s *Server) writeLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, cc.ws, frame)
			cancel()
			if err != nil {
				s.logger.Debug("write failed, closing client", "conn_id", cc.id, "error", err)
				cc.close()
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, cc *clientConn, frame Frame) {
	s.handlersMu.RLock()
	h, ok := s.handlers[frame.Method]
	s.handlersMu.RUnlock()
	if !ok {
		err := fmt.Errorf("%w: %s", domain.ErrRPCMethodNotFound, frame.Method)
		s.observer.ObserveRequest(frame.Method, err)
		s.respond(ctx, cc, frame.ID, nil, err)
		return
	}

	req := &Request{ID: frame.ID, Method: frame.Method, Payload: frame.Payload, Client: cc.info, conn: cc}
	result, err := s.call(ctx, h, req)
	s.observer.ObserveRequest(frame.Method, err)
	if err != nil {
		s.logger.Debug("rpc failed", "method", frame.Method, "client", cc.info.Name, "error", err)
	}
	s.respond(ctx, cc, frame.ID, result, err)
}

func (s *Server) call(ctx context.Context, h RPCHandler, req *Request) (result json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("rpc handler panicked", "method", req.Method, "panic", p)
			err = fmt.Errorf("rpc %s: internal error", req.Method)
		}
	}()
	return h(ctx, req)
}

func (s *Server) respond(ctx context.Context, cc *clientConn, id uint64, result json.RawMessage, err error) {
	resp := Frame{Type: FrameTypeResponse, ID: id, Payload: result, Error: newFrameError(err)}
	if sendErr := cc.send(ctx, resp); sendErr != nil {
		s.logger.Debug("response not delivered", "conn_id", cc.id, "frame_id", id, "error", sendErr)
	}
}
