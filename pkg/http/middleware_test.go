package xhttp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(func(ctx *RequestCtx) {
		seen = RequestID(ctx)
	})

	t.Run("generates an id", func(t *testing.T) {
		ctx := &fasthttp.RequestCtx{}
		h(ctx)
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, string(ctx.Response.Header.Peek(HeaderRequestID)))
	})

	t.Run("keeps the caller id", func(t *testing.T) {
		ctx := &fasthttp.RequestCtx{}
		ctx.Request.Header.Set(HeaderRequestID, "abc")
		h(ctx)
		assert.Equal(t, "abc", seen)
		assert.Equal(t, "abc", string(ctx.Response.Header.Peek(HeaderRequestID)))
	})
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(func(ctx *RequestCtx) { panic("boom") })
	ctx := &fasthttp.RequestCtx{}
	assert.NotPanics(t, func() { h(ctx) })
	assert.Equal(t, StatusInternalServerError, ctx.Response.StatusCode())
}

func TestEngine_MiddlewareOrder(t *testing.T) {
	e := CreateServer()
	var order []string
	mark := func(name string) MiddlewareFunc {
		return func(next RequestHandler) RequestHandler {
			return func(ctx *RequestCtx) {
				order = append(order, name)
				next(ctx)
			}
		}
	}
	e.Use(mark("outer"))
	e.Use(mark("inner"))
	e.GET("/ping", func(ctx *RequestCtx) { order = append(order, "handler") })

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.SetRequestURI("/ping")
	e.Handler()(ctx)

	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestNotFound(t *testing.T) {
	e := CreateServer()
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.SetRequestURI("/nope")
	e.Handler()(ctx)
	assert.Equal(t, StatusNotFound, ctx.Response.StatusCode())
}

func TestMethodNotAllowed(t *testing.T) {
	e := CreateServer()
	e.Router.GET("/ping", func(ctx *RequestCtx) {})
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("DELETE")
	ctx.Request.SetRequestURI("/ping")
	e.Handler()(ctx)
	assert.Equal(t, StatusMethodNotAllowed, ctx.Response.StatusCode())
	assert.JSONEq(t, `{"error":"method_not_allowed"}`, string(ctx.Response.Body()))
}
