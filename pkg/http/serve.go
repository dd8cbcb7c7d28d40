package xhttp

import (
	"reflect"
	"runtime"
	"slices"
	"time"

	"github.com/nimasrn/sms-dispatch/pkg/logger"
	"github.com/valyala/fasthttp"
)

type RequestHeader = fasthttp.RequestHeader
type Server = fasthttp.Server

type ServerOption struct {
	Name string

	// idle keep-alive connections are closed after this long
	IdleTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	ReadBufferSize  int
	WriteBufferSize int

	// bodies above this are refused before any handler runs
	MaxRequestBodySize int
	Concurrency        int
	MaxConnsPerIP      int

	Logger logger.Logger
}

func DefaultServerOption() ServerOption {
	return ServerOption{
		Name:               "sms-dispatch",
		IdleTimeout:        10 * time.Second,
		ReadTimeout:        2500 * time.Millisecond,
		WriteTimeout:       2500 * time.Millisecond,
		ReadBufferSize:     4 * 1024,
		WriteBufferSize:    4 * 1024,
		MaxRequestBodySize: 1 * 1024 * 1024,
		Concurrency:        30_000,
		MaxConnsPerIP:      10_000,
		Logger:             logger.GetLogger(),
	}
}

type Engine struct {
	*Router
	*Server
	middle []MiddlewareFunc
}

func newServer(options ServerOption) *fasthttp.Server {
	return &fasthttp.Server{
		Name:                         options.Name,
		Concurrency:                  options.Concurrency,
		ReadBufferSize:               options.ReadBufferSize,
		WriteBufferSize:              options.WriteBufferSize,
		ReadTimeout:                  options.ReadTimeout,
		WriteTimeout:                 options.WriteTimeout,
		IdleTimeout:                  options.IdleTimeout,
		MaxConnsPerIP:                options.MaxConnsPerIP,
		MaxRequestBodySize:           options.MaxRequestBodySize,
		TCPKeepalive:                 true,
		DisablePreParseMultipartForm: true,
		NoDefaultServerHeader:        true,
		NoDefaultContentType:         true,
		CloseOnShutdown:              true,
		Logger:                       options.Logger,
		ErrorHandler: func(ctx *RequestCtx, err error) {
			logger.Warn("[xhttp] connection error", "error", err, "ip", ctx.RemoteIP().String())
		},
	}
}

func NewServer(options ServerOption) *Engine {
	return &Engine{
		Server: newServer(options),
		Router: CreateDefaultRouter(),
	}
}

// CreateServer builds an engine with DefaultServerOption.
func CreateServer() *Engine {
	return NewServer(DefaultServerOption())
}

// Use appends middleware; the first registered runs outermost.
func (e *Engine) Use(middleware MiddlewareFunc) {
	e.middle = append(e.middle, middleware)
}

// Handler assembles the router and middleware chain. ListenAndServe calls it;
// tests can call it to drive the full stack in memory.
func (e *Engine) Handler() RequestHandler {
	for method, routes := range e.Router.List() {
		for _, r := range routes {
			logger.Debug("[xhttp] route registered", "method", method, "path", r)
		}
	}
	h := e.Router.Handler
	chain := slices.Clone(e.middle)
	slices.Reverse(chain)
	for _, m := range chain {
		h = m(h)
		logger.Debug("[xhttp] middleware registered", "name", runtime.FuncForPC(reflect.ValueOf(m).Pointer()).Name())
	}
	return h
}

func (e *Engine) ListenAndServe(addr string) error {
	e.Server.Handler = e.Handler()
	logger.Info("[xhttp] server is listening", "addr", addr)
	return e.Server.ListenAndServe(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (e *Engine) Shutdown() {
	logger.Info("[xhttp] server is shutting down")
	if err := e.Server.Shutdown(); err != nil {
		logger.Error("[xhttp] error while shutting down", "error", err)
	}
}
