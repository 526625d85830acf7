// REST adapter for the resource store, served with gin
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nainya/resourcestore/internal/auth"
	"github.com/nainya/resourcestore/internal/logger"
	"github.com/nainya/resourcestore/internal/metrics"
	"github.com/nainya/resourcestore/pkg/batch"
	"github.com/nainya/resourcestore/pkg/patch"
	"github.com/nainya/resourcestore/pkg/resource"
	"github.com/nainya/resourcestore/pkg/search"
	"github.com/nainya/resourcestore/pkg/store"
	"github.com/nainya/resourcestore/pkg/version"
)

// ContentType is the media type of resource responses
const ContentType = "application/fhir+json"

// Registrar creates users from registration requests
type Registrar interface {
	Register(ctx context.Context, req auth.NewUserRequest) (*version.Record, error)
}

// Handlers serves the REST routes
type Handlers struct {
	store     *store.Store
	executor  *batch.Executor
	registrar Registrar
	baseURL   string
}

// NewHandlers creates route handlers. registrar may be nil, which disables
// POST /auth/newuser.
func NewHandlers(st *store.Store, exec *batch.Executor, registrar Registrar, baseURL string) *Handlers {
	return &Handlers{store: st, executor: exec, registrar: registrar, baseURL: baseURL}
}

// RegisterRoutes registers the resource, batch and auth routes.
//
//	GET    /fhir/R4/:type                     search
//	POST   /fhir/R4/:type                     create
//	GET    /fhir/R4/:type/:id                 read
//	PUT    /fhir/R4/:type/:id                 update
//	PATCH  /fhir/R4/:type/:id                 json-patch
//	DELETE /fhir/R4/:type/:id                 delete
//	GET    /fhir/R4/:type/:id/_history        history
//	GET    /fhir/R4/:type/:id/_history/:vid   vread
//	POST   /fhir/R4                           batch/transaction
//	POST   /auth/newuser                      registration
func RegisterRoutes(r gin.IRouter, h *Handlers) {
	fhir := r.Group("/fhir/R4")
	fhir.POST("", h.HandleBatch)
	fhir.GET("/:type", h.HandleSearch)
	fhir.POST("/:type", h.HandleCreate)
	fhir.GET("/:type/:id", h.HandleRead)
	fhir.PUT("/:type/:id", h.HandleUpdate)
	fhir.PATCH("/:type/:id", h.HandlePatch)
	fhir.DELETE("/:type/:id", h.HandleDelete)
	fhir.GET("/:type/:id/_history", h.HandleHistory)
	fhir.GET("/:type/:id/_history/:vid", h.HandleVRead)

	if h.registrar != nil {
		r.POST("/auth/newuser", h.HandleNewUser)
	}
}

// NewRouter builds an engine with recovery, request logging and metrics
func NewRouter(h *Handlers, m *metrics.Metrics, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestMiddleware(m, log))
	RegisterRoutes(router, h)
	return router
}

// RequestMiddleware logs and counts each request by its route pattern
func RequestMiddleware(m *metrics.Metrics, log *logger.Logger) gin.HandlerFunc {
	log = logger.OrNop(log)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		duration := time.Since(start)
		status := c.Writer.Status()

		if m != nil {
			m.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(status), duration)
		}
		log.LogHTTPRequest(c.Request.Method, c.Request.URL.Path, status, duration)
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(resource.StatusCode(err), resource.OutcomeFromError(err))
}

func writeRecord(c *gin.Context, status int, rec *version.Record) {
	c.Header("Location", store.Location(rec))
	c.Header("ETag", store.ETag(rec))
	c.Header("Last-Modified", rec.LastUpdated.UTC().Format(http.TimeFormat))
	c.JSON(status, rec.Resource())
}

func writeBundle(c *gin.Context, b *resource.Bundle) {
	c.JSON(http.StatusOK, b)
}

func readResource(c *gin.Context) (resource.Resource, error) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, resource.Validationf("read body: %v", err)
	}
	doc, err := resource.Parse(data)
	if err != nil {
		return nil, resource.Validationf("%v", err)
	}
	return doc, nil
}

func (h *Handlers) HandleSearch(c *gin.Context) {
	req, err := search.ParseQuery(c.Param("type"), c.Request.URL.RawQuery)
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := h.store.Search(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	writeBundle(c, res.Bundle(h.baseURL))
}

func (h *Handlers) HandleCreate(c *gin.Context) {
	doc, err := readResource(c)
	if err != nil {
		writeError(c, err)
		return
	}
	rec, err := h.store.Create(c.Request.Context(), c.Param("type"), doc)
	if err != nil {
		writeError(c, err)
		return
	}
	writeRecord(c, http.StatusCreated, rec)
}

func (h *Handlers) HandleRead(c *gin.Context) {
	rec, err := h.store.Read(c.Request.Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeRecord(c, http.StatusOK, rec)
}

func (h *Handlers) HandleUpdate(c *gin.Context) {
	doc, err := readResource(c)
	if err != nil {
		writeError(c, err)
		return
	}
	rec, err := h.store.Update(c.Request.Context(), c.Param("type"), c.Param("id"), doc)
	if err != nil {
		writeError(c, err)
		return
	}
	writeRecord(c, http.StatusOK, rec)
}

func (h *Handlers) HandlePatch(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, resource.Validationf("read body: %v", err))
		return
	}
	ops, err := patch.Parse(data)
	if err != nil {
		writeError(c, err)
		return
	}
	rec, err := h.store.Patch(c.Request.Context(), c.Param("type"), c.Param("id"), ops)
	if err != nil {
		writeError(c, err)
		return
	}
	writeRecord(c, http.StatusOK, rec)
}

func (h *Handlers) HandleDelete(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("type"), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resource.AllOK())
}

func (h *Handlers) HandleHistory(c *gin.Context) {
	b, err := h.store.HistoryBundle(c.Request.Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeBundle(c, b)
}

func (h *Handlers) HandleVRead(c *gin.Context) {
	rec, err := h.store.ReadVersion(c.Request.Context(), c.Param("type"), c.Param("id"), c.Param("vid"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeRecord(c, http.StatusOK, rec)
}

func (h *Handlers) HandleBatch(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, resource.Validationf("read body: %v", err))
		return
	}
	b, err := resource.ParseBundle(data)
	if err != nil {
		writeError(c, err)
		return
	}
	resp, err := h.executor.Execute(c.Request.Context(), b)
	if err != nil {
		writeError(c, err)
		return
	}
	writeBundle(c, resp)
}

func (h *Handlers) HandleNewUser(c *gin.Context) {
	var req auth.NewUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, resource.Validationf("malformed registration body: %v", err))
		return
	}
	rec, err := h.registrar.Register(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Location", store.Location(rec))
	c.JSON(http.StatusOK, auth.PublicUser(rec.Resource()))
}

// RESTServer runs the REST routes on a port
type RESTServer struct {
	server *http.Server
	log    *logger.Logger
}

// NewRESTServer wraps handler in an HTTP server listening on port
func NewRESTServer(port int, handler http.Handler, log *logger.Logger) *RESTServer {
	return &RESTServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		log: logger.OrNop(log),
	}
}

// Listen binds the REST port without serving
func (s *RESTServer) Listen() (net.Listener, error) {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on REST port: %w", err)
	}
	return lis, nil
}

// Serve serves requests on lis until Shutdown
func (s *RESTServer) Serve(lis net.Listener) error {
	s.log.Info("Starting REST server").Str("addr", lis.Addr().String()).Send()
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("rest server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down REST server").Send()
	return s.server.Shutdown(ctx)
}
