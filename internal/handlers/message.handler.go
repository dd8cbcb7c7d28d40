package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/nimasrn/sms-dispatch/internal/model"
	"github.com/nimasrn/sms-dispatch/internal/services"
	xhttp "github.com/nimasrn/sms-dispatch/pkg/http"
	"github.com/nimasrn/sms-dispatch/pkg/logger"
)

const HeaderIdempotencyKey = "Idempotency-Key"

// RequestTimeout bounds the work done for one API call.
var RequestTimeout = 10 * time.Second

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), RequestTimeout)
}

type MessageService interface {
	Create(ctx context.Context, key string, p model.MessageCreateRequest) (*model.IntakeResult, error)
	Get(ctx context.Context, id string) (*model.Message, error)
	List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error)
}

type MessageHandler struct {
	svc MessageService
}

func RegisterMessageRoutes(e *router.Group, h *MessageHandler) {
	e.POST("/messages", h.CreateMessage)
	e.GET("/messages", h.ListMessages)
	e.GET("/messages/{id}", h.GetMessage)
}

func NewMessageHandler(messageService MessageService) *MessageHandler {
	return &MessageHandler{
		svc: messageService,
	}
}

type intakeResponse struct {
	MessageID string `json:"message_id,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type listResponse struct {
	Items []*model.Message `json:"items"`
	Total int64            `json:"total"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *MessageHandler) CreateMessage(ctx *xhttp.RequestCtx) {
	var req model.MessageCreateRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	c, cancel := requestContext()
	defer cancel()

	key := string(ctx.Request.Header.Peek(HeaderIdempotencyKey))
	result, err := h.svc.Create(c, key, req)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrMissingIdempotencyKey):
			writeError(ctx, xhttp.StatusBadRequest, err.Error())
		case errors.Is(err, services.ErrRequestInFlight):
			writeJSON(ctx, xhttp.StatusAccepted, intakeResponse{Status: "PROCESSING"})
		case errors.Is(err, services.ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
			writeError(ctx, xhttp.StatusServiceUnavailable, "temporarily unavailable, retry with the same key")
		default:
			logger.Error("create message failed", "request_id", xhttp.RequestID(ctx), "error", err)
			writeError(ctx, xhttp.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(ctx, result.StatusCode, intakeResponse{
		MessageID: result.MessageID,
		Status:    string(result.Status),
		Error:     result.Error,
		Detail:    result.Detail,
	})
}

func (h *MessageHandler) GetMessage(ctx *xhttp.RequestCtx) {
	c, cancel := requestContext()
	defer cancel()

	id, _ := ctx.UserValue("id").(string)
	msg, err := h.svc.Get(c, id)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			writeError(ctx, xhttp.StatusNotFound, err.Error())
			return
		}
		logger.Error("get message failed", "id", id, "error", err)
		writeError(ctx, xhttp.StatusServiceUnavailable, "temporarily unavailable")
		return
	}
	writeJSON(ctx, xhttp.StatusOK, msg)
}

func (h *MessageHandler) ListMessages(ctx *xhttp.RequestCtx) {
	f, err := parseFilter(ctx)
	if err != nil {
		writeError(ctx, xhttp.StatusBadRequest, err.Error())
		return
	}

	c, cancel := requestContext()
	defer cancel()

	items, total, err := h.svc.List(c, f)
	if err != nil {
		logger.Error("list messages failed", "error", err)
		writeError(ctx, xhttp.StatusServiceUnavailable, "temporarily unavailable")
		return
	}
	if items == nil {
		items = []*model.Message{}
	}
	writeJSON(ctx, xhttp.StatusOK, listResponse{Items: items, Total: total})
}

func parseFilter(ctx *xhttp.RequestCtx) (model.MessageFilter, error) {
	var f model.MessageFilter

	if v := query(ctx, "sender_id"); v != "" {
		f.SenderID = &v
	}
	if v := query(ctx, "recipient"); v != "" {
		f.Recipient = &v
	}
	if v := query(ctx, "status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			s, ok := model.ParseStatus(part)
			if !ok {
				return f, errors.New("unknown status " + strconv.Quote(part))
			}
			f.Statuses = append(f.Statuses, s)
		}
	}
	if v := query(ctx, "from"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return f, errors.New("invalid from")
		}
		f.From = &t
	}
	if v := query(ctx, "to"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return f, errors.New("invalid to")
		}
		f.To = &t
	}
	if v := query(ctx, "limit"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Limit = n
		}
	}
	if v := query(ctx, "offset"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Offset = n
		}
	}
	if strings.EqualFold(query(ctx, "order"), "desc") {
		f.Desc = true
	}
	return f, nil
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	return json.Unmarshal(ctx.PostBody(), dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func parseTime(s string) (time.Time, error) {
	// RFC3339 or YYYY-MM-DD
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
