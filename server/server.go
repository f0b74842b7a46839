// Package server - HTTP API over the screening pipeline.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/nvr-ai/derm-screen/classify"
	"github.com/nvr-ai/derm-screen/errs"
	"github.com/nvr-ai/derm-screen/metrics"
	"github.com/nvr-ai/derm-screen/pipeline"
)

// DefaultMaxUploadBytes bounds a single uploaded image.
const DefaultMaxUploadBytes int64 = 10 << 20

// multipartOverhead is the room left for multipart framing on top of the
// image itself.
const multipartOverhead int64 = 64 << 10

// Classifier runs the pipeline. *pipeline.Orchestrator implements it.
type Classifier interface {
	Run(ctx context.Context, data []byte, observe pipeline.Observer) (*classify.Verdict, error)
	Ready() bool
}

// Options configures the API.
type Options struct {
	// MaxUploadBytes bounds the image field; <= 0 means DefaultMaxUploadBytes.
	MaxUploadBytes int64
	// Mode is the gin mode; empty means release.
	Mode string
}

type api struct {
	classifier Classifier
	maxUpload  int64
}

// ErrorBody is the JSON body of every failed request.
type ErrorBody struct {
	Error string    `json:"error"`
	Kind  errs.Kind `json:"kind"`
	Stage string    `json:"stage,omitempty"`
}

// New builds the router.
//
// Routes:
//   - GET /health: liveness and whether the model is loaded.
//   - POST /v1/diagnose: multipart upload with the image in field "image".
//
// Arguments:
//   - c: The pipeline to run uploads through.
//   - opts: Upload limit and gin mode.
//
// Returns:
//   - *gin.Engine: The router.
func New(c Classifier, opts Options) *gin.Engine {
	mode := opts.Mode
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	a := &api{classifier: c, maxUpload: opts.MaxUploadBytes}
	if a.maxUpload <= 0 {
		a.maxUpload = DefaultMaxUploadBytes
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger())
	router.GET("/health", a.health)
	router.POST("/v1/diagnose", a.diagnose)
	return router
}

func (a *api) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "modelLoaded": a.classifier.Ready()})
}

func (a *api) diagnose(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.maxUpload+multipartOverhead)

	fh, err := c.FormFile("image")
	if err != nil {
		if tooLarge(err) {
			a.rejectOversized(c)
			return
		}
		abort(c, http.StatusBadRequest, errs.Decode, "", "multipart field \"image\" is required")
		return
	}
	if fh.Size > a.maxUpload {
		a.rejectOversized(c)
		return
	}

	f, err := fh.Open()
	if err != nil {
		abort(c, http.StatusBadRequest, errs.Decode, "", "reading upload: "+err.Error())
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, a.maxUpload+1))
	if err != nil {
		abort(c, http.StatusBadRequest, errs.Decode, "", "reading upload: "+err.Error())
		return
	}
	if int64(len(data)) > a.maxUpload {
		a.rejectOversized(c)
		return
	}

	verdict, err := a.classifier.Run(c.Request.Context(), data, nil)
	if err != nil {
		stage := ""
		var se *pipeline.StageError
		if errors.As(err, &se) {
			stage = string(se.Stage)
		}
		kind := errs.KindOf(err)
		abort(c, StatusFor(kind), kind, stage, err.Error())
		return
	}
	c.JSON(http.StatusOK, verdict)
}

// StatusFor maps a failure kind to an HTTP status.
func StatusFor(kind errs.Kind) int {
	switch kind {
	case errs.Decode:
		return http.StatusUnprocessableEntity
	case errs.AssetUnreachable, errs.AssetTooSmall, errs.ModelLoad:
		return http.StatusServiceUnavailable
	case errs.Canceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) rejectOversized(c *gin.Context) {
	abort(c, http.StatusRequestEntityTooLarge, errs.Decode, "",
		"image exceeds the upload limit of "+strconv.FormatInt(a.maxUpload, 10)+" bytes")
}

func abort(c *gin.Context, status int, kind errs.Kind, stage, msg string) {
	c.AbortWithStatusJSON(status, ErrorBody{Error: msg, Kind: kind, Stage: stage})
}

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe) || strings.Contains(err.Error(), "request body too large")
}

// RequestLogger logs every request with zerolog and reports its latency.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.Since("http.request.duration", start, []string{"route:" + route, "status:" + strconv.Itoa(status)})

		evt := log.Info()
		if status >= http.StatusInternalServerError {
			evt = log.Error()
		} else if status >= http.StatusBadRequest {
			evt = log.Warn()
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

// Timeouts bounds the HTTP server.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Shutdown time.Duration
}

// ListenAndServe serves handler on addr until ctx is done, then shuts down
// gracefully within t.Shutdown.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, t Timeouts) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       t.Read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      t.Write,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http server listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	grace := t.Shutdown
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	log.Info().Msg("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
