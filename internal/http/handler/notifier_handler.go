package handler

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/SafeLink/internal/app/service"
	"go.uber.org/zap"
)

const (
	helloTimeout = 5 * time.Second
	closeTimeout = time.Second
)

// NotifierDeps groups dependencies of the update notifier.
type NotifierDeps struct {
	Logger  *zap.Logger
	Links   service.LinkService
	Auth    *service.Authorizer
	Watcher *service.UpdateWatcher
	BaseURL string
}

// NotifierHandler pushes enrichment results to a waiting client over a websocket.
type NotifierHandler struct {
	logger  *zap.Logger
	links   service.LinkService
	auth    *service.Authorizer
	watcher *service.UpdateWatcher
	baseURL string
}

func NewNotifierHandler(deps NotifierDeps) *NotifierHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifierHandler{
		logger:  logger,
		links:   deps.Links,
		auth:    deps.Auth,
		watcher: deps.Watcher,
		baseURL: deps.BaseURL,
	}
}

// Register wires the websocket route.
func (h *NotifierHandler) Register(router fiber.Router) {
	ws := router.Group("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	})
	ws.Get("/url_update/:secret", websocket.New(h.serve))
}

type helloMessage struct {
	APIKey string `json:"api_key"`
}

type updateMessage struct {
	Type string        `json:"type"`
	Data *LinkResponse `json:"data,omitempty"`
}

func (h *NotifierHandler) serve(conn *websocket.Conn) {
	secret := conn.Params("secret")
	ctx := context.Background()

	var hello helloMessage
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	if err := conn.ReadJSON(&hello); err != nil {
		h.close(conn, websocket.ClosePolicyViolation, "authentication required")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if _, err := h.auth.Authenticate(ctx, hello.APIKey); err != nil {
		h.close(conn, websocket.ClosePolicyViolation, "unauthorized")
		return
	}
	link, err := h.links.AdminInfo(ctx, secret, hello.APIKey)
	if err != nil {
		if errors.Is(err, service.ErrLinkNotFound) {
			h.close(conn, websocket.ClosePolicyViolation, "unauthorized")
			return
		}
		h.logger.Error("notifier failed to load link", zap.Error(err))
		h.close(conn, websocket.CloseInternalServerErr, "internal error")
		return
	}

	updated, ok, err := h.watcher.Wait(ctx, link)
	if err != nil {
		h.logger.Error("notifier poll failed", zap.String("key", link.Key), zap.Error(err))
		h.close(conn, websocket.CloseInternalServerErr, "internal error")
		return
	}

	msg := updateMessage{Type: "timeout"}
	if ok {
		body := newLinkResponse(h.baseURL, updated)
		msg = updateMessage{Type: "update", Data: &body}
	}
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Debug("notifier client went away", zap.Error(err))
		return
	}
	h.close(conn, websocket.CloseNormalClosure, msg.Type)
}

func (h *NotifierHandler) close(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(closeTimeout))
}
