package handler

import (
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/puran-edu/approval-chain-api/internal/models"
	"github.com/puran-edu/approval-chain-api/internal/service"
	appErrors "github.com/puran-edu/approval-chain-api/pkg/errors"
	"github.com/puran-edu/approval-chain-api/pkg/response"
)

type messageWorkflow interface {
	Create(ctx context.Context, actor *models.JWTClaims, req service.CreateMessageRequest) (*models.Message, error)
	List(ctx context.Context, actor *models.JWTClaims, page, pageSize int) ([]models.Message, *models.Pagination, error)
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Message, error)
	ApplyAction(ctx context.Context, messageID string, actor *models.JWTClaims, req service.ActionRequest) (*models.Message, error)
}

type attachmentStore interface {
	Store(files []*multipart.FileHeader) (models.AttachmentList, error)
	SignedURL(msg *models.Message, idx int) (string, time.Time, error)
	OpenToken(token string) (*os.File, string, error)
}

type timelineExporter interface {
	Timeline(msg *models.Message, format service.ExportFormat) (*service.ExportResult, error)
}

// MessageHandler wires HTTP endpoints to the workflow engine.
type MessageHandler struct {
	messages    messageWorkflow
	attachments attachmentStore
	exports     timelineExporter
}

// NewMessageHandler creates a new handler.
func NewMessageHandler(messages messageWorkflow, attachments attachmentStore, exports timelineExporter) *MessageHandler {
	return &MessageHandler{messages: messages, attachments: attachments, exports: exports}
}

// Create godoc
// @Summary Submit a message
// @Description Submit a new message into the approval chain. Accepts JSON or multipart form data with attachments.
// @Tags Messages
// @Accept mpfd
// @Produce json
// @Param title formData string true "Message title"
// @Param content formData string true "Message content"
// @Param attachments formData file false "Attachments (up to 5)"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Security BearerAuth
// @Router /messages [post]
func (h *MessageHandler) Create(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.CreateMessageRequest
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		form, err := c.MultipartForm()
		if err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid multipart payload"))
			return
		}
		req.Title = c.PostForm("title")
		req.Content = c.PostForm("content")
		stored, err := h.attachments.Store(form.File["attachments"])
		if err != nil {
			response.Error(c, err)
			return
		}
		req.Attachments = stored
	} else {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid message payload"))
			return
		}
		// Attachment metadata is produced by the upload layer only; accepting
		// client-supplied paths would let a sender point at arbitrary files.
		if len(req.Attachments) > 0 {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "attachments must be uploaded as multipart form data"))
			return
		}
	}

	message, err := h.messages.Create(c.Request.Context(), claims, req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, message)
}

// List godoc
// @Summary List visible messages
// @Description List messages visible to the caller's role, newest first
// @Tags Messages
// @Produce json
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Security BearerAuth
// @Router /messages [get]
func (h *MessageHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	messages, pagination, err := h.messages.List(c.Request.Context(), claims, page, pageSize)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, messages, pagination)
}

// Get godoc
// @Summary Get a message
// @Description Fetch a single message with its history log
// @Tags Messages
// @Produce json
// @Param id path string true "Message ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Security BearerAuth
// @Router /messages/{id} [get]
func (h *MessageHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	message, err := h.messages.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, message, nil)
}

// Action godoc
// @Summary Act on a pending message
// @Description Apply Approve, Reject or Forward as the message's current role
// @Tags Messages
// @Accept json
// @Produce json
// @Param id path string true "Message ID"
// @Param payload body service.ActionRequest true "Action payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Security BearerAuth
// @Router /messages/{id}/action [post]
func (h *MessageHandler) Action(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid action payload"))
		return
	}

	message, err := h.messages.ApplyAction(c.Request.Context(), c.Param("id"), claims, req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, message, nil)
}

// Export godoc
// @Summary Export a message's approval timeline
// @Description Render the history log as PDF or CSV
// @Tags Messages
// @Produce application/pdf
// @Param id path string true "Message ID"
// @Param format query string false "pdf or csv" default(pdf)
// @Success 200 {file} binary
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Security BearerAuth
// @Router /messages/{id}/export [get]
func (h *MessageHandler) Export(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	message, err := h.messages.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}

	format := service.ExportFormat(c.DefaultQuery("format", "pdf"))
	result, err := h.exports.Timeline(message, format)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	c.Data(http.StatusOK, result.ContentType, result.Payload)
}

// AttachmentURL godoc
// @Summary Get a signed attachment download URL
// @Description Issue a time-limited download URL for one of the message's attachments
// @Tags Messages
// @Produce json
// @Param id path string true "Message ID"
// @Param idx path int true "Attachment index"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Security BearerAuth
// @Router /messages/{id}/attachments/{idx}/url [get]
func (h *MessageHandler) AttachmentURL(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	message, err := h.messages.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}

	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "attachment index must be a number"))
		return
	}

	url, expiresAt, err := h.attachments.SignedURL(message, idx)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, gin.H{"url": url, "expires_at": expiresAt}, nil)
}

// Download godoc
// @Summary Download an attachment
// @Description Stream an attachment referenced by a signed token
// @Tags Messages
// @Produce application/octet-stream
// @Param token query string true "Signed download token"
// @Success 200 {file} binary
// @Failure 401 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /attachments/download [get]
func (h *MessageHandler) Download(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}

	file, name, err := h.attachments.OpenToken(token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close() //nolint:errcheck

	info, err := file.Stat()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to stat attachment"))
		return
	}

	extraHeaders := map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", name),
	}
	c.DataFromReader(http.StatusOK, info.Size(), "application/octet-stream", file, extraHeaders)
}
