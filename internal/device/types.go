package device

import (
	"encoding/json"
	"strconv"
	"strings"
)

const UnknownField = "unknown"

// Device is a point-in-time copy of one remote device record.
type Device struct {
	DeviceID       string `json:"device_id"`
	Type           string `json:"type"`
	IP             string `json:"ip"`
	Port           int    `json:"port"`
	Subnet         string `json:"subnet"`
	IsPublic       Flag   `json:"is_public"`
	ConnectionCode string `json:"connection_code"`
}

// Session links a device to the push channel it is live on, and optionally an interface.
type Session struct {
	DeviceID    string `json:"device_id"`
	InterfaceID string `json:"interface_id,omitempty"`
	SocketID    string `json:"socket_id,omitempty"`
}

// Interface is a client-side attachment to a device's session.
type Interface struct {
	InterfaceID string `json:"interface_id"`
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	DeviceCode  string `json:"device_code,omitempty"`
}

// Fields is the user input for a register command.
type Fields struct {
	Type     string `json:"type"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Subnet   string `json:"subnet"`
	IsPublic bool   `json:"is_public"`
}

// Validate reports the first missing or malformed field.
func (f Fields) Validate() error {
	if strings.TrimSpace(f.Type) == "" {
		return &ValidationError{Field: "type", Reason: "type is required"}
	}
	if strings.TrimSpace(f.IP) == "" {
		return &ValidationError{Field: "ip", Reason: "ip is required"}
	}
	if f.Port <= 0 || f.Port > 65535 {
		return &ValidationError{Field: "port", Reason: "port must be between 1 and 65535"}
	}
	if strings.TrimSpace(f.Subnet) == "" {
		return &ValidationError{Field: "subnet", Reason: "subnet is required"}
	}
	return nil
}

// Normalized trims whitespace on every string field.
func (f Fields) Normalized() Fields {
	f.Type = strings.TrimSpace(f.Type)
	f.IP = strings.TrimSpace(f.IP)
	f.Subnet = strings.TrimSpace(f.Subnet)
	return f
}

// ParsePort accepts the textual port a form would hand over.
func ParsePort(raw string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || port <= 0 || port > 65535 {
		return 0, &ValidationError{Field: "port", Reason: "port must be a number between 1 and 65535"}
	}
	return port, nil
}

// Registration is the register_device response body.
type Registration struct {
	DeviceID       string `json:"device_id"`
	Type           string `json:"type"`
	ConnectionCode string `json:"connection_code"`
}

// Flag decodes is_public whether the service stored it as a JSON bool or as text.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = Flag(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "null":
		*f = false
		return nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return &ValidationError{Field: "is_public", Reason: "not a boolean: " + s}
	}
	*f = Flag(v)
	return nil
}
