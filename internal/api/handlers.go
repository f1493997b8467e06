package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/workspace-sync/internal/codec"
	"github.com/example/workspace-sync/internal/observability"
	"github.com/example/workspace-sync/internal/syncerr"
	"github.com/example/workspace-sync/internal/types"
)

func (h *Handler) handshake(c *gin.Context) {
	var req types.HandshakeRequest
	if err := h.decode(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	resp, err := h.svc.Handshake(c.Request.Context(), c.GetHeader(h.opts.UserHeader), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) pull(c *gin.Context) {
	var req types.PullRequest
	if err := h.decode(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	resp, err := h.svc.Pull(c.Request.Context(), sessionFrom(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) push(c *gin.Context) {
	body, err := h.readBody(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := codec.ValidatePushBody(body); err != nil {
		h.fail(c, err)
		return
	}
	var req types.PushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.fail(c, syncerr.Malformed("decode push body: %v", err))
		return
	}
	resp, err := h.svc.Push(c.Request.Context(), sessionFrom(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) presence(c *gin.Context) {
	resp, err := h.svc.Presence(c.Request.Context(), sessionFrom(c), c.Query("workspaceId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxBodyBytes))
	if err != nil {
		return nil, syncerr.Malformed("read body: %v", err)
	}
	return body, nil
}

func (h *Handler) decode(c *gin.Context, dst any) error {
	body, err := h.readBody(c)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return syncerr.Malformed("decode body: %v", err)
	}
	return nil
}

// fail writes the error response matching err and aborts the chain.
func (h *Handler) fail(c *gin.Context, err error) {
	status := syncerr.HTTPStatus(err)
	resp := types.ErrorResponse{Error: err.Error(), Code: syncerr.Code(err)}

	var conflict *syncerr.DivergenceConflict
	if errors.As(err, &conflict) {
		resp.Conflict = &conflict.Conflict
	}
	if status >= http.StatusInternalServerError {
		logger := observability.LoggerWithTrace(c.Request.Context(), h.logger)
		logger.Error().Err(err).Str("route", c.FullPath()).Msg("request failed")
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	}
	c.AbortWithStatusJSON(status, resp)
}
