package middleware

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/jmehdipour/hookrelay/internal/logger"
	"github.com/jmehdipour/hookrelay/internal/metrics"
	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmehdipour/hookrelay/internal/repository"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	HeaderIdempotencyKey     = "Idempotency-Key"
	HeaderIdempotentReplayed = "Idempotent-Replayed"

	MaxIdempotencyKeyLength = 255

	CodeInvalidIdempotencyKey  = "INVALID_IDEMPOTENCY_KEY"
	CodeRequestInProgress      = "REQUEST_IN_PROGRESS"
	CodeIdempotencyKeyConflict = "IDEMPOTENCY_KEY_CONFLICT"
)

type IdempotencyConfig struct {
	Store       repository.IdempotencyStore
	TTL         time.Duration // record lifetime, default 24h
	SaveTimeout time.Duration // budget for persisting the captured response
	Now         func() time.Time
}

// IdempotencyMiddleware gives mutating requests carrying an Idempotency-Key
// at-most-once execution per {workspace}:{method}:{path}:{key}. The store's
// unique insert decides which request runs; later requests with the same key
// get the stored response replayed, or 409 while the first is still running.
// It must run after APIKeyMiddleware.
func IdempotencyMiddleware(cfg IdempotencyConfig) echo.MiddlewareFunc {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isMutating(req.Method) {
				return next(c)
			}
			wsID, ok := WorkspaceIDFromCtx(c)
			if !ok {
				return next(c)
			}
			values := req.Header.Values(HeaderIdempotencyKey)
			if len(values) == 0 {
				return next(c)
			}

			clientKey := values[0]
			if n := utf8.RuneCountInString(clientKey); n == 0 || n > MaxIdempotencyKeyLength {
				metrics.IdempotencyRequestsTotal.WithLabelValues("invalid").Inc()
				return JSONError(c, http.StatusBadRequest, CodeInvalidIdempotencyKey,
					"Idempotency-Key must be 1-255 characters")
			}

			now := cfg.Now()
			rec := &model.IdempotencyRecord{
				Key:           wsID + ":" + req.Method + ":" + req.URL.Path + ":" + clientKey,
				WorkspaceID:   wsID,
				RequestMethod: req.Method,
				RequestPath:   req.URL.Path,
				ExpiresAt:     now.Add(cfg.TTL),
				CreatedAt:     now,
			}
			log := logger.Log.With(zap.String("idempotency_key", rec.Key))

			err := cfg.Store.Create(req.Context(), rec)
			switch {
			case err == nil:
				metrics.IdempotencyRequestsTotal.WithLabelValues("claimed").Inc()
				return runAndCapture(c, next, cfg, rec.Key, log)
			case errors.Is(err, repository.ErrDuplicateKey):
				return answerDuplicate(c, cfg.Store, rec.Key, log)
			default:
				metrics.IdempotencyRequestsTotal.WithLabelValues("unprotected").Inc()
				log.Warn("idempotency store unavailable, running unprotected", zap.Error(err))
				return next(c)
			}
		}
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func runAndCapture(c echo.Context, next echo.HandlerFunc, cfg IdempotencyConfig, key string, log *zap.Logger) error {
	res := c.Response()
	body := new(bytes.Buffer)
	writer := &captureWriter{Writer: io.MultiWriter(res.Writer, body), ResponseWriter: res.Writer}
	res.Writer = writer

	err := next(c)
	if err != nil {
		// render the error now so it is part of the captured response
		c.Error(err)
	}

	captured := model.CapturedResponse{
		StatusCode: res.Status,
		Headers:    make(map[string]string, len(res.Header())),
		Body:       body.Bytes(),
	}
	for k, v := range res.Header() {
		if len(v) > 0 {
			captured.Headers[k] = v[0]
		}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), cfg.SaveTimeout)
	defer cancel()
	if serr := cfg.Store.SaveResponse(ctx, key, captured); serr != nil {
		log.Error("save idempotent response", zap.Error(serr))
	}
	return err
}

func answerDuplicate(c echo.Context, store repository.IdempotencyStore, key string, log *zap.Logger) error {
	rec, err := store.Get(c.Request().Context(), key)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		metrics.IdempotencyRequestsTotal.WithLabelValues("conflict").Inc()
		return JSONError(c, http.StatusConflict, CodeIdempotencyKeyConflict,
			"idempotency record disappeared; retry the request with a new key")
	case err != nil:
		// the key is taken, so running the handler could execute twice
		log.Error("idempotency lookup failed", zap.Error(err))
		metrics.IdempotencyRequestsTotal.WithLabelValues("in_progress").Inc()
		return JSONError(c, http.StatusConflict, CodeRequestInProgress, "request with this key is in progress")
	case rec.Response == nil:
		metrics.IdempotencyRequestsTotal.WithLabelValues("in_progress").Inc()
		return JSONError(c, http.StatusConflict, CodeRequestInProgress, "request with this key is in progress")
	}

	metrics.IdempotencyRequestsTotal.WithLabelValues("replayed").Inc()
	h := c.Response().Header()
	for k, v := range rec.Response.Headers {
		h.Set(k, v)
	}
	h.Set(HeaderIdempotentReplayed, "true")

	status := rec.Response.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	if len(rec.Response.Body) == 0 {
		return c.NoContent(status)
	}
	return c.Blob(status, h.Get(echo.HeaderContentType), rec.Response.Body)
}

// captureWriter tees the response body into a buffer, as echo's BodyDump does.
type captureWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w *captureWriter) WriteHeader(code int) {
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

func (w *captureWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *captureWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

func (w *captureWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
