package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/domain"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/services"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/utils"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func pagination(page, size int, total int64) Pagination {
	pages := utils.TotalPages(total, size)
	return Pagination{Page: page, PageSize: size, Total: total, TotalPages: pages, HasNext: page < pages}
}

// ListConversationsResponse is one page of conversation summaries.
type ListConversationsResponse struct {
	Conversations []domain.ConversationSummary `json:"conversations"`
	Pagination    Pagination                   `json:"pagination"`
}

// ListMessagesResponse is one page of a user's message log, oldest first.
type ListMessagesResponse struct {
	Messages   []domain.Turn `json:"messages"`
	Pagination Pagination    `json:"pagination"`
}

// ListConversations godoc
// @ID          listConversations
// @Summary     List conversations
// @Description Paginated summaries ordered by most recent activity.
// @Tags        Conversations
// @Produce     json
// @Security    BearerAuth
// @Param       page       query  int  false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int  false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListConversationsResponse
// @Failure     401  {object}  handlers.ErrorResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /conversations [get]
func (h *Handlers) ListConversations(c *gin.Context) {
	page, size := utils.ClampPage(c.Query("page"), c.Query("page_size"), defaultPageSize, maxPageSize)
	items, total, err := h.conv.ListPage(c.Request.Context(), page, size)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListConversationsResponse{Conversations: items, Pagination: pagination(page, size, total)})
}

// GetConversation godoc
// @ID          getConversation
// @Summary     Get one conversation
// @Description Thread id, busy flag, pending and message counts for a user.
// @Tags        Conversations
// @Produce     json
// @Security    BearerAuth
// @Param       user_id  path  string  true  "LINE user id"
// @Success     200  {object}  domain.ConversationSummary
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /conversations/{user_id} [get]
func (h *Handlers) GetConversation(c *gin.Context) {
	sum, err := h.conv.Get(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.conversationError(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, sum)
}

// ListMessages godoc
// @ID          listConversationMessages
// @Summary     List a user's messages
// @Description Paginated message log, oldest first. Sends a weak ETag and answers 304 to a matching If-None-Match.
// @Tags        Conversations
// @Produce     json
// @Security    BearerAuth
// @Param       user_id    path   string  true   "LINE user id"
// @Param       page       query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListMessagesResponse
// @Success     304  "Not modified"
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /conversations/{user_id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("user_id")
	page, size := utils.ClampPage(c.Query("page"), c.Query("page_size"), defaultPageSize, maxPageSize)

	// ETag covers the page window too; the log only grows, so count plus
	// newest timestamp identifies its state.
	if count, latest, err := h.conv.MessageStats(ctx, userID); err == nil {
		var ts int64
		if latest != nil {
			ts = latest.UnixNano()
		}
		etag := fmt.Sprintf(`W/"messages:%s:%d:%d:%d:%d"`, userID, count, ts, page, size)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	items, total, err := h.conv.MessagesPage(ctx, userID, page, size)
	if err != nil {
		h.conversationError(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{Messages: items, Pagination: pagination(page, size, total)})
}

// CancelConversation godoc
// @ID          cancelConversation
// @Summary     Cancel a conversation's active run
// @Description Cancels any queued or running assistant run on the user's thread and clears the busy flag.
// @Description Pending messages stay queued and are folded into the user's next message.
// @Tags        Conversations
// @Security    BearerAuth
// @Param       user_id  path  string  true  "LINE user id"
// @Success     204  "Cancelled"
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /conversations/{user_id}/cancel [post]
func (h *Handlers) CancelConversation(c *gin.Context) {
	if err := h.conv.Cancel(c.Request.Context(), c.Param("user_id")); err != nil {
		h.conversationError(c, err, ErrCodeCancelFailed)
		return
	}
	noContent(c)
}

func (h *Handlers) conversationError(c *gin.Context, err error, code string) {
	if errors.Is(err, services.ErrConversationNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		return
	}
	fail(c, http.StatusInternalServerError, code, err.Error())
}
