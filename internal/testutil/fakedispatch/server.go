// Package fakedispatch is an in-memory stand-in for the remote dispatch service: the REST
// routes the debugger consumes plus a websocket push endpoint speaking the JSON envelope wire.
package fakedispatch

import (
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/dispatchctl/internal/device"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Envelope mirrors the push wire frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Fault is an injected answer for one route.
type Fault struct {
	Status int
	Delay  time.Duration
	// Drop closes the TCP connection without answering.
	Drop bool
}

type socket struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *socket) send(env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

type Server struct {
	httpServer *httptest.Server
	upgrader   websocket.Upgrader

	mu         sync.Mutex
	devices    map[string]device.Device
	interfaces map[string]device.Interface
	sessions   map[string]device.Session
	faults     map[string]Fault
	sockets    map[string]*socket
	dials      int
	received   []Envelope
	hits       map[string]int
}

// New starts a fake dispatch service on a loopback listener.
func New() *Server {
	gin.SetMode(gin.TestMode)
	s := &Server{
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		devices:    make(map[string]device.Device),
		interfaces: make(map[string]device.Interface),
		sessions:   make(map[string]device.Session),
		faults:     make(map[string]Fault),
		sockets:    make(map[string]*socket),
		hits:       make(map[string]int),
	}
	s.httpServer = httptest.NewServer(s.routes())
	return s
}

func (s *Server) URL() string {
	return s.httpServer.URL
}

func (s *Server) Close() {
	s.mu.Lock()
	for _, sock := range s.sockets {
		_ = sock.conn.Close()
	}
	s.mu.Unlock()
	s.httpServer.CloseClientConnections()
	s.httpServer.Close()
}

// SetFault injects f for every request whose gin route matches route.
func (s *Server) SetFault(route string, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[route] = f
}

func (s *Server) ClearFault(route string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.faults, route)
}

// Dials counts accepted websocket upgrades.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Hits counts requests that reached route.
func (s *Server) Hits(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[route]
}

// Received returns every inbound push envelope in arrival order.
func (s *Server) Received() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Envelope(nil), s.received...)
}

func (s *Server) Devices() []device.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]device.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (s *Server) Sessions() []device.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionListLocked()
}

// PutDevice seeds a device record directly.
func (s *Server) PutDevice(d device.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.DeviceID] = d
}

// PutSession seeds a session row directly.
func (s *Server) PutSession(sess device.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.DeviceID] = sess
}

// DropSession removes a session row without telling anyone, as a missed push would.
func (s *Server) DropSession(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, deviceID)
}

// PutInterface seeds an interface record directly.
func (s *Server) PutInterface(in device.Interface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interfaces[in.InterfaceID] = in
}

// Broadcast pushes one event to every connected socket.
func (s *Server) Broadcast(event string, data any) {
	raw, _ := json.Marshal(data)
	env := Envelope{Event: event, Data: raw}
	s.mu.Lock()
	targets := make([]*socket, 0, len(s.sockets))
	for _, sock := range s.sockets {
		targets = append(targets, sock)
	}
	s.mu.Unlock()
	for _, sock := range targets {
		_ = sock.send(env)
	}
}

// KickSockets drops every push connection from the server side.
func (s *Server) KickSockets() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sock := range s.sockets {
		_ = sock.conn.Close()
		delete(s.sockets, id)
	}
}

func (s *Server) routes() http.Handler {
	r := gin.New()
	r.Use(s.faultMiddleware())

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339)})
	})
	r.POST("/api/register_device", s.registerDevice)
	r.DELETE("/api/delete_device/:deviceId", s.deleteDevice)
	r.POST("/api/register_interface", s.registerInterface)
	r.POST("/api/register_device_session", s.registerDeviceSession)
	r.POST("/api/register_full_session", s.registerFullSession)
	r.DELETE("/api/sessions/:deviceId", s.deleteSession)
	r.GET("/admin/devices", s.listDevices)
	r.GET("/admin/interfaces", s.listInterfaces)
	r.GET("/admin/sessions", s.listSessions)
	r.GET("/ws", s.serveSocket)
	return r
}

func (s *Server) faultMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		s.mu.Lock()
		s.hits[route]++
		f, ok := s.faults[route]
		s.mu.Unlock()
		if !ok {
			c.Next()
			return
		}
		if f.Delay > 0 {
			select {
			case <-time.After(f.Delay):
			case <-c.Request.Context().Done():
				c.Abort()
				return
			}
		}
		if f.Drop {
			if hj, ok := c.Writer.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
				}
			}
			c.Abort()
			return
		}
		if f.Status != 0 {
			c.AbortWithStatusJSON(f.Status, gin.H{"reason": "injected fault"})
			return
		}
		c.Next()
	}
}

func (s *Server) registerDevice(c *gin.Context) {
	var in device.Fields
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "Invalid device payload"})
		return
	}
	if strings.TrimSpace(in.Type) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "Device type is required"})
		return
	}
	s.mu.Lock()
	for _, d := range s.devices {
		if d.IP == in.IP && d.Port == in.Port {
			s.mu.Unlock()
			c.JSON(http.StatusBadRequest, gin.H{"reason": "Device with this IP and port already exists"})
			return
		}
	}
	d := device.Device{
		DeviceID:       uuid.NewString(),
		Type:           in.Type,
		IP:             in.IP,
		Port:           in.Port,
		Subnet:         in.Subnet,
		IsPublic:       device.Flag(in.IsPublic),
		ConnectionCode: s.newCodeLocked(),
	}
	s.devices[d.DeviceID] = d
	s.mu.Unlock()

	s.Broadcast("device_registered", d)
	c.JSON(http.StatusOK, d)
}

func (s *Server) newCodeLocked() string {
	for {
		buf := make([]byte, 8)
		_, _ = rand.Read(buf)
		for i := range buf {
			buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
		}
		code := string(buf)
		taken := false
		for _, d := range s.devices {
			if d.ConnectionCode == code {
				taken = true
				break
			}
		}
		if !taken {
			return code
		}
	}
}

func (s *Server) deleteDevice(c *gin.Context) {
	id := c.Param("deviceId")
	s.mu.Lock()
	if _, ok := s.devices[id]; !ok {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"reason": "Device not found"})
		return
	}
	delete(s.devices, id)
	delete(s.sessions, id)
	s.mu.Unlock()

	s.Broadcast("device_deleted", gin.H{"deviceId": id})
	c.JSON(http.StatusOK, gin.H{"success": true, "deviceId": id})
}

func (s *Server) registerInterface(c *gin.Context) {
	var in struct {
		Name       string `json:"name"`
		Email      string `json:"email"`
		DeviceCode string `json:"deviceCode"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "Invalid interface payload"})
		return
	}
	s.mu.Lock()
	for _, existing := range s.interfaces {
		if existing.Email == in.Email && existing.DeviceCode == in.DeviceCode {
			s.mu.Unlock()
			c.JSON(http.StatusBadRequest, gin.H{"reason": "Device already registered for this user"})
			return
		}
	}
	row := device.Interface{InterfaceID: uuid.NewString(), Name: in.Name, Email: in.Email, DeviceCode: in.DeviceCode}
	s.interfaces[row.InterfaceID] = row
	s.mu.Unlock()
	c.JSON(http.StatusOK, row)
}

func (s *Server) registerDeviceSession(c *gin.Context) {
	var in struct {
		DeviceID string `json:"deviceId"`
		SocketID string `json:"socketId"`
	}
	if err := c.ShouldBindJSON(&in); err != nil || strings.TrimSpace(in.DeviceID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "deviceId is required"})
		return
	}
	s.mu.Lock()
	sess := s.sessions[in.DeviceID]
	sess.DeviceID = in.DeviceID
	sess.SocketID = in.SocketID
	s.sessions[in.DeviceID] = sess
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"deviceId": in.DeviceID, "status": "registered"})
}

func (s *Server) registerFullSession(c *gin.Context) {
	var in struct {
		DeviceID    string `json:"deviceId"`
		InterfaceID string `json:"interfaceId"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "Invalid session payload"})
		return
	}
	s.mu.Lock()
	sess, ok := s.sessions[in.DeviceID]
	if !ok {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"reason": "Session not found"})
		return
	}
	sess.InterfaceID = in.InterfaceID
	s.sessions[in.DeviceID] = sess
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"deviceId": in.DeviceID, "interfaceId": in.InterfaceID})
}

func (s *Server) deleteSession(c *gin.Context) {
	id := c.Param("deviceId")
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"reason": "Session not found"})
		return
	}
	s.Broadcast("device_disconnected", gin.H{"deviceId": id})
	c.JSON(http.StatusOK, gin.H{"deviceId": id, "status": "removed"})
}

func (s *Server) listDevices(c *gin.Context) {
	c.JSON(http.StatusOK, s.Devices())
}

func (s *Server) listInterfaces(c *gin.Context) {
	s.mu.Lock()
	out := make([]device.Interface, 0, len(s.interfaces))
	for _, in := range s.interfaces {
		out = append(out, in)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].InterfaceID < out[j].InterfaceID })
	c.JSON(http.StatusOK, out)
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.Sessions())
}

func (s *Server) sessionListLocked() []device.Session {
	out := make([]device.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (s *Server) serveSocket(c *gin.Context) {
	id := strings.TrimSpace(c.Query("sid"))
	if id == "" {
		id = uuid.NewString()
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	sock := &socket{id: id, conn: conn}
	s.mu.Lock()
	s.dials++
	s.sockets[id] = sock
	s.mu.Unlock()

	defer s.dropSocket(id)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, env)
		s.mu.Unlock()
		s.handleEvent(id, env)
	}
}

func (s *Server) handleEvent(socketID string, env Envelope) {
	var payload struct {
		DeviceID    string `json:"deviceId"`
		InterfaceID string `json:"interfaceId"`
	}
	_ = json.Unmarshal(env.Data, &payload)

	switch env.Event {
	case "device_connect_to_dispatcher":
		if payload.DeviceID == "" {
			return
		}
		s.mu.Lock()
		sess := s.sessions[payload.DeviceID]
		sess.DeviceID = payload.DeviceID
		sess.SocketID = socketID
		s.sessions[payload.DeviceID] = sess
		s.mu.Unlock()
		s.Broadcast("device_connected", gin.H{"deviceId": payload.DeviceID})
	case "device_disconnect_from_dispatcher":
		s.mu.Lock()
		_, ok := s.sessions[payload.DeviceID]
		delete(s.sessions, payload.DeviceID)
		s.mu.Unlock()
		if ok {
			s.Broadcast("device_disconnected", gin.H{"deviceId": payload.DeviceID})
		}
	case "interface_disconnect_from_dispatcher":
		s.mu.Lock()
		found := false
		for id, sess := range s.sessions {
			if sess.InterfaceID == payload.InterfaceID {
				sess.InterfaceID = ""
				s.sessions[id] = sess
				found = true
			}
		}
		s.mu.Unlock()
		if found {
			s.Broadcast("interface_disconnected", gin.H{"interfaceId": payload.InterfaceID})
		}
	}
}

func (s *Server) dropSocket(id string) {
	s.mu.Lock()
	delete(s.sockets, id)
	var gone []string
	for deviceID, sess := range s.sessions {
		if sess.SocketID == id {
			delete(s.sessions, deviceID)
			gone = append(gone, deviceID)
		}
	}
	s.mu.Unlock()
	for _, deviceID := range gone {
		s.Broadcast("device_disconnected", gin.H{"deviceId": deviceID})
	}
}
