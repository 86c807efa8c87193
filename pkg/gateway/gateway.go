package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/go-logr/logr"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	pb "github.com/pixperk/fairlock/api/v1"
	"github.com/pixperk/fairlock/pkg/kv"
	"github.com/pixperk/fairlock/pkg/raft"
	"github.com/pixperk/fairlock/pkg/server"
	"github.com/pixperk/fairlock/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the admin HTTP surface of a node: health, status, metrics,
// cluster membership and a read-only view of lock queues.
type Server struct {
	echo    *echo.Echo
	addr    string
	backend kv.Client
	node    *raft.Node
	status  *server.Server
	log     logr.Logger
}

type Option func(*Server)

// enables the cluster routes
func WithNode(node *raft.Node) Option {
	return func(s *Server) { s.node = node }
}

func WithLogger(l logr.Logger) Option {
	return func(s *Server) { s.log = l }
}

func NewServer(addr string, backend kv.Client, opts ...Option) *Server {
	s := &Server{
		echo:    echo.New(),
		addr:    addr,
		backend: backend,
		status:  server.NewServer(backend),
		log:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v echomiddleware.RequestLoggerValues) error {
			s.log.V(1).Info("HTTP request.", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	e.GET("/health", s.health)
	e.GET("/status", s.getStatus)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/resources/:name/contenders", s.contenders)

	cluster := e.Group("/cluster")
	cluster.POST("/join", s.join)
	cluster.POST("/leave", s.leave)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start admin server: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(c echo.Context) error {
	st, err := s.status.Status(c.Request().Context(), &pb.StatusRequest{})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, st)
}

// Contender is one queued or holding record of a resource.
type Contender struct {
	Key      string `json:"key"`
	Lease    int64  `json:"lease"`
	Revision int64  `json:"revision"`
	Value    string `json:"value,omitempty"`
	Holder   bool   `json:"holder"`
}

// lists the queue of a resource in acquisition order, holder first
func (s *Server) contenders(c echo.Context) error {
	name := c.Param("name")
	rng := kv.ResourceRange(name)

	resp, err := s.backend.Range(c.Request().Context(), &kv.RangeRequest{Key: rng.Begin, RangeEnd: rng.End})
	if err != nil {
		return s.backendError(c, err)
	}

	sort.Slice(resp.Kvs, func(i, j int) bool { return resp.Kvs[i].ModRevision < resp.Kvs[j].ModRevision })

	out := make([]Contender, 0, len(resp.Kvs))
	for _, record := range resp.Kvs {
		out = append(out, Contender{
			Key:      record.Key,
			Lease:    record.Lease,
			Revision: record.ModRevision,
			Value:    string(record.Value),
			Holder:   len(out) == 0,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"resource":   name,
		"revision":   resp.Header.Revision,
		"contenders": out,
	})
}

type joinRequest struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}

func (s *Server) join(c echo.Context) error {
	if s.node == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "node is running standalone"})
	}

	var req joinRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.NodeID == "" || req.Addr == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "node_id and addr are required"})
	}

	if err := s.node.Join(req.NodeID, req.Addr); err != nil {
		return s.backendError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "joined", "node_id": req.NodeID})
}

func (s *Server) leave(c echo.Context) error {
	if s.node == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "node is running standalone"})
	}

	var req joinRequest
	if err := c.Bind(&req); err != nil || req.NodeID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "node_id is required"})
	}

	if err := s.node.Leave(req.NodeID); err != nil {
		return s.backendError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "removed", "node_id": req.NodeID})
}

// followers answer 503 with the leader's raft address
func (s *Server) backendError(c echo.Context, err error) error {
	var nle *raft.NotLeaderError
	switch {
	case errors.As(err, &nle):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error(), "leader": nle.Leader})
	case errors.Is(err, types.ErrNotLeader):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case errors.Is(err, types.ErrKeyRequired):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.log.Error(err, "Admin request failed.", "path", c.Path())
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
