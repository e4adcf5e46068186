// Package server provides the Echo web front-end for genre prediction.
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nzoschke/genrelab/pkg/audio"
	"github.com/nzoschke/genrelab/pkg/errs"
	"github.com/nzoschke/genrelab/pkg/predict"
)

//go:embed templates/*.html
var templateFS embed.FS

// Classifier predicts the genres of a local audio file.
type Classifier interface {
	PredictGenre(ctx context.Context, path string) (predict.Result, error)
}

// Options configures a Server.
type Options struct {
	TempDir   string // uploads and downloads; defaults to os.TempDir
	MaxUpload string // request body limit; defaults to 64M
	Logger    *slog.Logger
}

// Server serves the upload form, the results page and a JSON API.
type Server struct {
	e          *echo.Echo
	classifier Classifier
	fetcher    Fetcher
	tempDir    string
	log        *slog.Logger
}

// New wires the routes around classifier and fetcher.
func New(classifier Classifier, fetcher Fetcher, opts Options) *Server {
	s := &Server{
		e:          echo.New(),
		classifier: classifier,
		fetcher:    fetcher,
		tempDir:    opts.TempDir,
		log:        opts.Logger,
	}
	if s.tempDir == "" {
		s.tempDir = os.TempDir()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	limit := opts.MaxUpload
	if limit == "" {
		limit = "64M"
	}

	e := s.e
	e.HideBanner = true
	e.HidePort = true
	e.Renderer = newRenderer()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimit(limit))

	// Routes
	e.GET("/", s.index)
	e.POST("/upload", s.upload)
	e.POST("/api/predict", s.apiPredict)
	return s
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("serving", "addr", addr)
		errc <- s.e.Start(addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		if err := s.e.Shutdown(context.Background()); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// index serves the upload form.
func (s *Server) index(c echo.Context) error {
	return c.Render(http.StatusOK, "index.html", nil)
}

type resultsPage struct {
	Title  string
	Scores []predict.Score
}

type errorPage struct {
	Message string
}

// upload classifies an uploaded song or a remote URL and renders the
// scores.
func (s *Server) upload(c echo.Context) error {
	title, res, err := s.classify(c)
	if err != nil {
		he := s.toHTTPError(err)
		return c.Render(he.Code, "error.html", errorPage{Message: fmt.Sprint(he.Message)})
	}
	return c.Render(http.StatusOK, "results.html", resultsPage{Title: title, Scores: res.Scores})
}

// apiPredict is the JSON form of upload.
func (s *Server) apiPredict(c echo.Context) error {
	title, res, err := s.classify(c)
	if err != nil {
		return s.toHTTPError(err)
	}
	res.Path = title
	return c.JSON(http.StatusOK, res)
}

// classify stores the request's audio in a uniquely named temp file, runs
// the classifier on it and removes it.
func (s *Server) classify(c echo.Context) (string, predict.Result, error) {
	ctx := c.Request().Context()
	name := uuid.NewString()

	var title, path string
	if fh, err := c.FormFile("song"); err == nil {
		if fh.Filename == "" {
			return "", predict.Result{}, badRequest("No file selected for upload")
		}
		ext := strings.ToLower(filepath.Ext(fh.Filename))
		if !audio.IsSupported(ext) {
			return "", predict.Result{}, echo.NewHTTPError(http.StatusUnsupportedMediaType, fmt.Sprintf("unsupported audio type %q", ext))
		}

		path = filepath.Join(s.tempDir, name+ext)
		if err := saveUpload(fh, path); err != nil {
			return "", predict.Result{}, err
		}
		title = fh.Filename
	} else if rawURL := strings.TrimSpace(c.FormValue("url")); rawURL != "" {
		if err := validateURL(rawURL); err != nil {
			return "", predict.Result{}, badRequest(err.Error())
		}
		path, err = s.fetcher.Fetch(ctx, rawURL, s.tempDir, name)
		if err != nil {
			s.log.Warn("fetch failed", "url", rawURL, "err", err)
			return "", predict.Result{}, echo.NewHTTPError(http.StatusBadGateway, fmt.Sprintf("could not fetch %s", rawURL))
		}
		title = rawURL
	} else {
		return "", predict.Result{}, badRequest("No file or URL provided")
	}
	defer os.Remove(path)

	res, err := s.classifier.PredictGenre(ctx, path)
	if err != nil {
		s.log.Warn("prediction failed", "title", title, "err", err)
		return "", predict.Result{}, err
	}
	s.log.Info("predicted", "title", title, "genre", res.Best().Genre, "score", res.Best().Score)
	return title, res, nil
}

func saveUpload(fh *multipart.FileHeader, path string) error {
	src, err := fh.Open()
	if err != nil {
		return badRequest(err.Error())
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return errs.IO("save upload", path, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return errs.IO("save upload", path, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return errs.IO("save upload", path, err)
	}
	return nil
}

func badRequest(msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}

// toHTTPError maps an error kind to a response status. Messages never
// include local paths.
func (s *Server) toHTTPError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he
	case errors.Is(err, errs.ErrDecode):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "could not decode audio; songs must be mp3 or wav and at least 30 seconds long")
	case errors.Is(err, errs.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, http.StatusText(http.StatusNotFound))
	case errors.Is(err, context.Canceled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable))
	default:
		s.log.Error("request failed", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}

type renderer struct {
	t *template.Template
}

func newRenderer() *renderer {
	funcs := template.FuncMap{
		"percent": func(v float32) string { return fmt.Sprintf("%.1f%%", v*100) },
	}
	return &renderer{t: template.Must(template.New("").Funcs(funcs).ParseFS(templateFS, "templates/*.html"))}
}

func (r *renderer) Render(w io.Writer, name string, data any, _ echo.Context) error {
	return r.t.ExecuteTemplate(w, name, data)
}
