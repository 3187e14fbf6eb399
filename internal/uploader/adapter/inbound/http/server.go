package http_handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"strings"

	sdklogger "github.com/anthanhphan/gosdk/logger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anthanhphan/gridfs-upload/internal/uploader/config"
	"github.com/anthanhphan/gridfs-upload/internal/uploader/domain"
	"github.com/anthanhphan/gridfs-upload/internal/uploader/port"
	"github.com/anthanhphan/gridfs-upload/internal/uploader/service"
)

// maxFieldBytes bounds a non-file form value.
const maxFieldBytes = 1 << 20

const requestIDHeader = "X-Request-ID"

type Server struct {
	app     *fiber.App
	cfg     *config.Config
	service port.UploadService
}

// NewServer builds the HTTP API. A nil gatherer disables /metrics.
func NewServer(cfg *config.Config, service port.UploadService, gatherer prometheus.Gatherer) *Server {
	app := fiber.New(fiber.Config{
		BodyLimit:                    cfg.Server.BodyLimit,
		StreamRequestBody:            true,
		// Otherwise fasthttp reads the whole multipart form before the handler runs.
		DisablePreParseMultipartForm: true,
		DisableStartupMessage:        true,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New())

	s := &Server{
		app:     app,
		cfg:     cfg,
		service: service,
	}

	// Routes
	s.registerRoutes(gatherer)

	return s
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.app.Post("/files", s.handleUpload)
	s.app.Delete("/uploads/:id", s.handleCancel)
	s.app.Get("/healthz", s.handleHealth)
	if gatherer != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

func (s *Server) Start() error {
	return s.app.Listen(s.cfg.Server.Addr)
}

func (s *Server) Stop(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) sendJSONError(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": fiber.Map{"message": message},
	})
}

func (s *Server) handleUpload(c *fiber.Ctx) error {
	contentType := c.Get("Content-Type")
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		return s.sendJSONError(c, fiber.StatusBadRequest, "Content-Type must be multipart/form-data")
	}

	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return s.sendJSONError(c, fiber.StatusBadRequest, "Invalid Content-Type")
	}
	boundary, ok := params["boundary"]
	if !ok {
		return s.sendJSONError(c, fiber.StatusBadRequest, "Missing boundary in Content-Type")
	}

	sess, err := s.service.Begin(c.UserContext(), domain.RequestContext{
		RequestID: c.Get(requestIDHeader),
		Header:    requestHeaders(c),
	})
	if err != nil {
		sdklogger.Errorw("Upload rejected", "error", err.Error())
		if errors.Is(err, service.ErrShuttingDown) {
			return s.sendJSONError(c, fiber.StatusServiceUnavailable, err.Error())
		}
		return s.sendJSONError(c, fiber.StatusInternalServerError, err.Error())
	}
	c.Set(requestIDHeader, sess.ID())

	// Use raw request body stream
	bodyStream := c.Context().RequestBodyStream()
	if bodyStream == nil {
		bodyStream = bytes.NewReader(c.Body())
	}
	fileParts, readErr := s.streamParts(sess, multipart.NewReader(bodyStream, boundary))

	result := sess.Wait()
	if readErr != nil {
		sdklogger.Warnw("Multipart body ended early", "request_id", sess.ID(), "error", readErr.Error())
	}

	if result.Err != nil {
		return c.Status(statusFor(result.Err.First.Kind)).JSON(fiber.Map{
			"request_id":  result.RequestID,
			"error":       result.Err.First.Failure(),
			"files":       result.Files,
			"failed":      result.Failed,
			"rolled_back": result.RolledBack,
		})
	}
	if readErr != nil {
		return s.sendJSONError(c, fiber.StatusBadRequest, "Failed to read multipart: "+readErr.Error())
	}
	if fileParts == 0 {
		return s.sendJSONError(c, fiber.StatusBadRequest, "Missing file part")
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"request_id": result.RequestID,
		"files":      result.Files,
	})
}

// streamParts hands every part of the body to the session as it arrives.
// Text parts become form fields; file parts are piped to their writer, so
// the body is read no faster than the store accepts it.
func (s *Server) streamParts(sess port.UploadSession, mr *multipart.Reader) (int, error) {
	fileParts := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return fileParts, nil
		}
		if err != nil {
			return fileParts, err
		}

		if part.FileName() == "" {
			value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			_ = part.Close()
			if err != nil {
				return fileParts, err
			}
			sess.SetField(part.FormName(), string(value))
			continue
		}

		fileParts++
		if err := pipePart(sess, part); err != nil {
			return fileParts, err
		}
	}
}

// pipePart feeds one file part to a writer. It returns an error only when
// the request body itself failed.
func pipePart(sess port.UploadSession, part *multipart.Part) error {
	defer part.Close()

	pr, pw := io.Pipe()
	file := domain.FileStream{
		FileInfo: domain.FileInfo{
			FieldName:        part.FormName(),
			OriginalFilename: part.FileName(),
			ContentType:      part.Header.Get("Content-Type"),
		},
		Stream: pr,
	}
	if err := sess.Add(file); err != nil {
		// Rejected parts are skipped; the session already recorded why.
		_ = pr.Close()
		_, err = io.Copy(io.Discard, part)
		return err
	}

	_, err := io.Copy(pw, part)
	switch {
	case err == nil:
		return pw.Close()
	case errors.Is(err, io.ErrClosedPipe):
		// The writer gave up on this file; skip the rest of the part.
		_, err = io.Copy(io.Discard, part)
		return err
	default:
		_ = pw.CloseWithError(err)
		return err
	}
}

func (s *Server) handleCancel(c *fiber.Ctx) error {
	id := c.Params("id")
	if !s.service.Cancel(id) {
		return s.sendJSONError(c, fiber.StatusNotFound, "No upload in flight with id "+id)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"request_id": id, "cancelled": true})
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	state := s.service.ConnectionState()
	status := fiber.StatusOK
	if state == domain.ConnectionErrored || state == domain.ConnectionClosed {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"storage": state})
}

// statusFor maps the kind of the first failure of a request to a status code.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindResolution, domain.KindLimit, domain.KindStream:
		return fiber.StatusBadRequest
	case domain.KindConnection:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func requestHeaders(c *fiber.Ctx) map[string]string {
	headers := make(map[string]string)
	for k, v := range c.GetReqHeaders() {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return headers
}
