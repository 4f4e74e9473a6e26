package service

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pulsecheckpoint/runtime/checkpoint"
	"github.com/pulsecheckpoint/runtime/config"
	"github.com/pulsecheckpoint/runtime/middleware"
	"github.com/pulsecheckpoint/runtime/registry"
	"github.com/pulsecheckpoint/runtime/storage"
)

// API exposes the registry and checkpoint manager over HTTP/JSON. It
// translates domain errors into status codes and otherwise stays thin;
// all behavior lives in the services it fronts.
type API struct {
	cfg    *config.Config
	reg    *registry.Service
	mgr    *checkpoint.Manager
	engine *gin.Engine
	server *http.Server
	done   chan struct{}
	stop   chan struct{}
	logger *zap.Logger
}

func NewAPI(cfg *config.Config, reg *registry.Service, mgr *checkpoint.Manager, stop chan struct{}, logger *zap.Logger) *API {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	a := &API{
		cfg:    cfg,
		reg:    reg,
		mgr:    mgr,
		engine: engine,
		done:   make(chan struct{}),
		stop:   stop,
		logger: logger.Named("api"),
	}

	critical := engine.Group("", middleware.StateCritical(a.logger))
	critical.POST("/workers/register", a.registerWorker)
	critical.POST("/workers/heartbeat", a.heartbeat)
	critical.POST("/workers/deregister", a.deregisterWorker)
	critical.POST("/datasets/register", a.registerDataset)
	critical.POST("/checkpoints", a.saveCheckpoint)
	critical.DELETE("/checkpoints/:id", a.deleteCheckpoint)

	engine.GET("/workers", a.listWorkers)
	engine.GET("/datasets", a.listDatasets)
	engine.GET("/checkpoints", a.listCheckpoints)
	engine.GET("/checkpoints/:id", a.checkpointStatus)
	engine.GET("/checkpoints/:id/payload", a.loadCheckpoint)
	engine.GET("/state", a.state)
	engine.GET("/health", a.health)

	return a
}

// Start begins serving and returns immediately. The listener shuts
// down when the shared stop channel closes; done is closed once the
// server has exited.
func (a *API) Start() error {
	a.server = &http.Server{
		Addr:    a.cfg.ListenAddr,
		Handler: a.engine,
	}

	go func() {
		defer close(a.done)
		err := a.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("api server exited", zap.Error(err))
		}
	}()

	go func() {
		<-a.stop
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Checkpoint.ShutdownTimeout())
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("api shutdown did not complete cleanly", zap.Error(err))
		}
	}()

	a.logger.Info("api listening", zap.String("addr", a.cfg.ListenAddr))
	return nil
}

func (a *API) Done() chan struct{} {
	return a.done
}

func (a *API) registerWorker(c *gin.Context) {
	var req RegisterWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.writeBadRequest(c, err)
		return
	}
	worker, err := a.reg.Register(req.WorkerID, req.Metadata)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, RegisterWorkerResponse{Worker: worker})
}

func (a *API) heartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.writeBadRequest(c, err)
		return
	}
	worker, err := a.reg.Heartbeat(req.WorkerID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, HeartbeatResponse{Worker: worker})
}

func (a *API) deregisterWorker(c *gin.Context) {
	var req DeregisterWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.writeBadRequest(c, err)
		return
	}
	if err := a.reg.Deregister(req.WorkerID); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, DeregisterWorkerResponse{WorkerID: req.WorkerID})
}

func (a *API) listWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, ListWorkersResponse{Workers: a.reg.Workers()})
}

func (a *API) registerDataset(c *gin.Context) {
	var req RegisterDatasetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.writeBadRequest(c, err)
		return
	}
	ds, err := a.reg.RegisterDataset(req.DatasetID, req.Path, req.WorkerID, req.Metadata)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, RegisterDatasetResponse{Dataset: ds})
}

func (a *API) listDatasets(c *gin.Context) {
	c.JSON(http.StatusOK, ListDatasetsResponse{Datasets: a.reg.Datasets()})
}

func (a *API) saveCheckpoint(c *gin.Context) {
	var req SaveCheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.writeBadRequest(c, err)
		return
	}
	ckpt, err := a.mgr.Save(c.Request.Context(), req.WorkerID, req.IdempotencyKey, req.Payload, req.Metadata)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SaveCheckpointResponse{Checkpoint: ckpt})
}

func (a *API) listCheckpoints(c *gin.Context) {
	if workerID := c.Query("worker_id"); workerID != "" {
		c.JSON(http.StatusOK, ListCheckpointsResponse{Checkpoints: a.mgr.ListForWorker(workerID)})
		return
	}
	c.JSON(http.StatusOK, ListCheckpointsResponse{Checkpoints: a.mgr.List()})
}

func (a *API) checkpointStatus(c *gin.Context) {
	ckpt, err := a.mgr.GetStatus(c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SaveCheckpointResponse{Checkpoint: ckpt})
}

func (a *API) loadCheckpoint(c *gin.Context) {
	data, _, err := a.mgr.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (a *API) deleteCheckpoint(c *gin.Context) {
	if err := a.mgr.Delete(c.Request.Context(), c.Param("id")); err != nil {
		a.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) state(c *gin.Context) {
	c.JSON(http.StatusOK, StateResponse{
		Workers:     a.reg.Workers(),
		Datasets:    a.reg.Datasets(),
		Checkpoints: a.mgr.List(),
	})
}

func (a *API) health(c *gin.Context) {
	select {
	case <-a.stop:
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shutting down"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (a *API) writeBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Code: "invalid_request", Message: err.Error()})
}

// writeError maps domain errors onto HTTP semantics. Anything
// unrecognized is a 500 so that bugs surface loudly.
func (a *API) writeError(c *gin.Context, err error) {
	var unavailable *checkpoint.UnavailableError

	status := http.StatusInternalServerError
	code := "internal"

	switch {
	case errors.Is(err, registry.ErrUnknownWorker):
		status, code = http.StatusNotFound, "unknown_worker"
	case errors.Is(err, checkpoint.ErrUnknownCheckpoint):
		status, code = http.StatusNotFound, "unknown_checkpoint"
	case errors.Is(err, storage.ErrObjectNotFound):
		status, code = http.StatusNotFound, "object_not_found"
	case errors.Is(err, registry.ErrAlreadyActive):
		status, code = http.StatusConflict, "already_active"
	case errors.Is(err, checkpoint.ErrIdempotencyConflict):
		status, code = http.StatusConflict, "idempotency_conflict"
	case errors.Is(err, checkpoint.ErrInProgress):
		status, code = http.StatusConflict, "in_progress"
	case errors.Is(err, checkpoint.ErrPayloadTooLarge):
		status, code = http.StatusRequestEntityTooLarge, "payload_too_large"
	case errors.Is(err, checkpoint.ErrOverloaded):
		status, code = http.StatusTooManyRequests, "overloaded"
	case errors.Is(err, checkpoint.ErrShuttingDown):
		status, code = http.StatusServiceUnavailable, "shutting_down"
	case errors.As(err, &unavailable):
		status, code = http.StatusServiceUnavailable, "storage_unavailable"
	case storage.IsFatal(err):
		status, code = http.StatusInternalServerError, "storage_fatal"
	case errors.Is(err, checkpoint.ErrHashMismatch):
		status, code = http.StatusInternalServerError, "hash_mismatch"
	case errors.Is(err, registry.ErrInvalidWorkerID),
		errors.Is(err, registry.ErrInvalidDataset),
		errors.Is(err, checkpoint.ErrEmptyPayload),
		errors.Is(err, checkpoint.ErrMissingIdempotencyKey):
		status, code = http.StatusBadRequest, "invalid_request"
	}

	resp := ErrorResponse{Code: code, Message: err.Error()}
	if unavailable != nil {
		resp.Attempts = unavailable.Attempts
	}
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, resp)
}
