package debugger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/dispatchctl/internal/command"
	"github.com/danmuck/dispatchctl/internal/device"
	"github.com/danmuck/dispatchctl/internal/observability"
	"github.com/danmuck/dispatchctl/internal/store"
	"github.com/danmuck/dispatchctl/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router builds the admin API.
func (s *Service) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(s.logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins:  s.cfg.AllowOrigins,
		AllowMethods:  []string{"GET", "POST", "DELETE"},
		AllowHeaders:  []string{"Origin", "Content-Type", observability.RequestIDHeader},
		ExposeHeaders: []string{observability.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}))

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/snapshot", s.snapshot)
	r.GET("/messages", s.messages)

	r.GET("/devices", s.listDevices)
	r.GET("/devices/code/:code", s.describeDevice)
	r.POST("/devices", s.registerDevice)
	r.DELETE("/devices/:id", s.deleteDevice)
	r.POST("/devices/:id/connect", s.connectDevice)
	r.POST("/devices/:id/disconnect", s.disconnectDevice)
	r.POST("/interfaces/:id/disconnect", s.disconnectInterface)
	return r
}

func (s *Service) health(c *gin.Context) {
	last := s.poller.Last()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   "dispatchctl",
		"version":   Version,
		"uptime":    time.Since(s.startedAt).String(),
		"online":    s.Online(c.Request.Context()),
		"push_live": s.pusher.Current() != nil,
		"last_poll": gin.H{
			"seq":    last.Seq,
			"failed": last.Failed,
		},
	})
}

type snapshotResponse struct {
	Version       uint64                 `json:"version"`
	Devices       []store.DeviceEntry    `json:"devices"`
	Interfaces    []store.InterfaceEntry `json:"interfaces"`
	DeviceRows    []string               `json:"device_rows"`
	InterfaceRows []string               `json:"interface_rows"`
	Pending       []command.Pending      `json:"pending"`
}

func (s *Service) snapshot(c *gin.Context) {
	snap := s.store.Snapshot()
	resp := snapshotResponse{
		Version:       snap.Version,
		Devices:       make([]store.DeviceEntry, 0, len(snap.Devices)),
		Interfaces:    snap.Interfaces,
		DeviceRows:    snap.DeviceRows(),
		InterfaceRows: snap.InterfaceRows(),
		Pending:       s.dispatcher.Pending(),
	}
	for _, id := range snap.DeviceIDs() {
		resp.Devices = append(resp.Devices, snap.Devices[id])
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Service) messages(c *gin.Context) {
	c.JSON(http.StatusOK, s.listener.Messages())
}

func (s *Service) listDevices(c *gin.Context) {
	if c.Query("refresh") == "true" {
		views, err := s.dispatcher.LoadDevices(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, views)
		return
	}
	c.JSON(http.StatusOK, s.dispatcher.Devices())
}

func (s *Service) describeDevice(c *gin.Context) {
	view, err := s.dispatcher.Describe(c.Param("code"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// registerRequest takes the form fields as typed; port may arrive as a number or as text.
type registerRequest struct {
	Type     string          `json:"type"`
	IP       string          `json:"ip"`
	Port     json.RawMessage `json:"port"`
	Subnet   string          `json:"subnet"`
	IsPublic device.Flag     `json:"is_public"`
}

func (r registerRequest) fields() (device.Fields, error) {
	raw := strings.Trim(strings.TrimSpace(string(r.Port)), `"`)
	port, err := device.ParsePort(raw)
	if err != nil {
		return device.Fields{}, err
	}
	return device.Fields{
		Type:     r.Type,
		IP:       r.IP,
		Port:     port,
		Subnet:   r.Subnet,
		IsPublic: bool(r.IsPublic),
	}, nil
}

func (s *Service) registerDevice(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fields, err := req.fields()
	if err != nil {
		writeError(c, err)
		return
	}
	writeResult(c, s.dispatcher.Register)(fields)
}

func (s *Service) deleteDevice(c *gin.Context) {
	writeResult(c, s.dispatcher.DeleteDevice)(c.Param("id"))
}

func (s *Service) connectDevice(c *gin.Context) {
	writeResult(c, s.dispatcher.Connect)(c.Param("id"))
}

func (s *Service) disconnectDevice(c *gin.Context) {
	writeResult(c, s.dispatcher.Disconnect)(c.Param("id"))
}

func (s *Service) disconnectInterface(c *gin.Context) {
	writeResult(c, s.dispatcher.DisconnectInterface)(c.Param("id"))
}

// writeResult runs one command with the request context and writes its result. A command that
// applied locally is a success even when the remote side failed; its warnings carry the failure.
func writeResult[T any](c *gin.Context, run func(ctx context.Context, arg T) (command.Result, error)) func(T) {
	return func(arg T) {
		res, err := run(c.Request.Context(), arg)
		if err != nil && res.Outcome != command.OutcomeAppliedLocally {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "result": res})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, command.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, command.ErrInvalidState):
		return http.StatusConflict
	case transport.IsTransport(err), errors.Is(err, transport.ErrChannelClosed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
