package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/unklstewy/indicam/internal/camera"
	"github.com/unklstewy/indicam/internal/catalog"
	"github.com/unklstewy/indicam/internal/exposure"
	"github.com/unklstewy/indicam/internal/frame"
	"github.com/unklstewy/indicam/pkg/healthcheck"
	"github.com/unklstewy/indicam/pkg/indi"
	"go.uber.org/zap"
)

type exposureRequest struct {
	Seconds float64 `json:"seconds" binding:"required"`
}

type exposureResponse struct {
	Frame         *frame.Frame `json:"frame"`
	Size          int          `json:"size"`
	ConsumerError string       `json:"consumer_error,omitempty"`
}

type gainRequest struct {
	Gain *float64 `json:"gain" binding:"required"`
}

type formatRequest struct {
	Format string `json:"format" binding:"required"`
}

func (s *Server) handleHealth(c *gin.Context) {
	result := s.health.CheckAll(c.Request.Context())
	status := http.StatusOK
	if result.OverallStatus == healthcheck.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}

func (s *Server) handleDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": s.camera.Devices()})
}

func (s *Server) handleProperties(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"device":     s.camera.Device(),
		"properties": s.camera.Properties(),
	})
}

func (s *Server) handleExpose(c *gin.Context) {
	var req exposureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	f, err := s.camera.Expose(ctx, req.Seconds)
	if err != nil {
		s.respondError(c, err)
		return
	}

	resp := exposureResponse{Frame: f, Size: f.Size()}
	if s.consumer != nil {
		if err := s.consumer.Consume(ctx, f); err != nil {
			s.logger.Warn("Frame consumer failed", zap.Int("index", f.Index), zap.Error(err))
			resp.ConsumerError = err.Error()
		}
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleGain(c *gin.Context) {
	var req gainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.camera.SetGain(c.Request.Context(), *req.Gain); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gain": *req.Gain})
}

func (s *Server) handleFormat(c *gin.Context) {
	var req formatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	format, err := camera.ParseCaptureFormat(req.Format)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.camera.SetCaptureFormat(c.Request.Context(), format); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"format": s.camera.Format()})
}

func (s *Server) handleFrames(c *gin.Context) {
	if s.frames == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "frame catalog not configured"})
		return
	}

	opts := catalog.ListOptions{Device: c.Query("device")}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		opts.Limit = limit
	}

	entries, err := s.frames.List(c.Request.Context(), opts)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if entries == nil {
		entries = []catalog.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"frames": entries})
}

// respondError maps domain errors to HTTP status codes.
func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, exposure.ErrInvalidDuration), errors.Is(err, camera.ErrUnknownFormat):
		status = http.StatusBadRequest
	case errors.Is(err, exposure.ErrExposurePending):
		status = http.StatusConflict
	case errors.Is(err, camera.ErrNotReady), errors.Is(err, indi.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, exposure.ErrExposureTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, frame.ErrNoData), errors.Is(err, indi.ErrPropertyNotFound), errors.Is(err, indi.ErrDeviceNotFound):
		status = http.StatusBadGateway
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}
