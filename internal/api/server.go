// Package api serves the recognition service over HTTP.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/ocrkit/internal/inference"
	"github.com/samcharles93/ocrkit/internal/service"
)

// MaxImageBytes caps the accepted upload size.
const MaxImageBytes = 20 << 20

// Recognizer is the part of service.Service the server needs.
type Recognizer interface {
	Recognize(ctx context.Context, r io.Reader) (*service.Recognition, error)
	Status() service.Status
}

type Server struct {
	recognizer Recognizer
	store      *ResultStore
	metrics    http.Handler
	ui         http.Handler
	clock      func() time.Time
}

// NewServer wires handlers to r. metrics may be nil to disable /metrics.
func NewServer(r Recognizer, store *ResultStore, metrics http.Handler) *Server {
	if store == nil {
		store = NewResultStore(DefaultStoreSize)
	}
	return &Server{
		recognizer: r,
		store:      store,
		metrics:    metrics,
		clock:      time.Now,
	}
}

// WithUI serves h at the root path.
func (s *Server) WithUI(h http.Handler) *Server {
	s.ui = h
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/ocr", s.handleRecognize)
	e.GET("/v1/ocr/:id", s.handleGetResult)
	e.DELETE("/v1/ocr/:id", s.handleDeleteResult)
	e.GET("/v1/status", s.handleStatus)
	if s.metrics != nil {
		e.GET("/metrics", s.handleMetrics)
	}
	if s.ui != nil {
		e.GET("/", s.handleUI)
	}
}

func (s *Server) handleRecognize(c *echo.Context) error {
	if s.recognizer == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "recognition service not configured", "", "")
	}
	img, err := readImage(c.Response(), c.Request())
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return writeError(c, http.StatusRequestEntityTooLarge, "invalid_request_error",
				fmt.Sprintf("image exceeds %d bytes", tooLarge.Limit), "image", "too_large")
		}
		return writeBadRequest(c, err.Error())
	}

	start := s.clock()
	rec, err := s.recognizer.Recognize(c.Request().Context(), bytes.NewReader(img))
	if err != nil {
		switch {
		case errors.Is(err, inference.ErrInvalidInput):
			return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "image", "")
		case errors.Is(err, inference.ErrNotInitialized):
			return writeError(c, http.StatusServiceUnavailable, "engine_unavailable", err.Error(), "", "not_initialized")
		default:
			return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
		}
	}

	resp := OCRResponse{
		ID:         newResultID(),
		Object:     "ocr.result",
		CreatedAt:  start.Unix(),
		Model:      s.recognizer.Status().Model,
		Text:       rec.Text,
		Tokens:     rec.Tokens,
		StopReason: rec.Stop.String(),
		DurationMS: rec.Duration.Milliseconds(),
		Timing: Timing{
			EncoderMS: rec.EncoderDuration.Milliseconds(),
			DecoderMS: rec.DecoderDuration.Milliseconds(),
			Steps:     rec.Steps,
			Encoder:   rec.EncoderBackend.String(),
			Decoder:   rec.DecoderBackend.String(),
		},
	}
	if rec.Err != nil {
		resp.Partial = true
		resp.Error = &ResponseError{Message: rec.Err.Error(), Type: "decode_error"}
	}
	if c.QueryParam("store") != "false" {
		s.store.Put(resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetResult(c *echo.Context) error {
	id := c.Param("id")
	resp, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, fmt.Sprintf("result %q not found", id))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteResult(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, fmt.Sprintf("result %q not found", id))
	}
	return c.JSON(http.StatusOK, DeleteResponse{ID: id, Object: "ocr.result.deleted", Deleted: true})
}

func (s *Server) handleStatus(c *echo.Context) error {
	if s.recognizer == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "recognition service not configured", "", "")
	}
	return c.JSON(http.StatusOK, s.recognizer.Status())
}

func (s *Server) handleMetrics(c *echo.Context) error {
	s.metrics.ServeHTTP(c.Response(), c.Request())
	return nil
}

func (s *Server) handleUI(c *echo.Context) error {
	s.ui.ServeHTTP(c.Response(), c.Request())
	return nil
}

// readImage accepts a raw image body or a multipart form with an "image"
// file field.
func readImage(w http.ResponseWriter, req *http.Request) ([]byte, error) {
	req.Body = http.MaxBytesReader(w, req.Body, MaxImageBytes)
	if strings.HasPrefix(req.Header.Get("Content-Type"), "multipart/form-data") {
		if err := req.ParseMultipartForm(MaxImageBytes); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, err
			}
			return nil, newInvalidRequest("parse multipart form: " + err.Error())
		}
		f, _, err := req.FormFile("image")
		if err != nil {
			return nil, newInvalidRequest(`multipart form needs an "image" file field`)
		}
		defer func() { _ = f.Close() }()
		return readLimited(f)
	}
	return readLimited(req.Body)
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(data) == 0 {
		return nil, newInvalidRequest("request body is empty")
	}
	return data, nil
}
