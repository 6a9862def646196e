package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/http/middleware"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/line"
)

// Webhook godoc
// @ID          lineWebhook
// @Summary     LINE webhook
// @Description Verifies X-Line-Signature, decodes the events and hands them to the dispatcher.
// @Description Any correctly signed body is acknowledged with 200 regardless of how the events are handled later.
// @Tags        Webhook
// @Accept      json
// @Produce     plain
// @Param       X-Line-Signature  header  string  true  "Base64 HMAC-SHA256 of the body with the channel secret"
// @Success     200  {string}  string  "OK"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid signature or malformed body"
// @Router      /callback [post]
func (h *Handlers) Webhook(c *gin.Context) {
	events, err := h.parse(c.Request)
	if err != nil {
		if errors.Is(err, line.ErrInvalidSignature) {
			fail(c, http.StatusBadRequest, ErrCodeInvalidSignature, "invalid signature")
			return
		}
		middleware.LoggerFrom(c).Warn().Err(err).Msg("webhook body rejected")
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed webhook body")
		return
	}

	lg := middleware.LoggerFrom(c)
	lg.Debug().Int("events", len(events)).Msg("webhook received")

	// Downstream failures never change the acknowledgement, or LINE would
	// redeliver indefinitely.
	if err := h.dispatcher.Dispatch(middleware.Context(c), events); err != nil {
		lg.Error().Err(err).Int("events", len(events)).Msg("webhook events not dispatched")
	}
	c.String(http.StatusOK, "OK")
}
