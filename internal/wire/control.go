package wire

import (
	"encoding/json"
	"fmt"
)

// ControlFrame is any frame exchanged on the control channel.
type ControlFrame interface {
	isControlFrame()
}

// relay→agent

// StartTerminalFrame asks the agent to spawn a new terminal.
type StartTerminalFrame struct {
	Name      string
	Cols      uint16
	Rows      uint16
	RequestID string
}

// CloseTerminalFrame asks the agent to tear down a terminal.
type CloseTerminalFrame struct {
	Name   string
	Signal *int
}

// agent→relay

// ControlHandshakeFrame is the first frame sent on a new control connection.
type ControlHandshakeFrame struct {
	Version    string
	Hostname   string
	Username   string
	WorkingDir string
}

// TerminalStartedFrame answers a StartTerminalFrame.
type TerminalStartedFrame struct {
	Name      string
	RequestID string
	Success   bool
	Error     *string
}

// TerminalClosedFrame reports that a terminal's PTY has exited.
type TerminalClosedFrame struct {
	Name     string
	ExitCode int
}

func (StartTerminalFrame) isControlFrame()   {}
func (CloseTerminalFrame) isControlFrame()   {}
func (ControlHandshakeFrame) isControlFrame() {}
func (TerminalStartedFrame) isControlFrame() {}
func (TerminalClosedFrame) isControlFrame()  {}

var controlFieldsByType = map[string]map[string]bool{
	"start_terminal": {"type": true, "name": true, "cols": true, "rows": true, "request_id": true},
	"close_terminal": {"type": true, "name": true, "signal": true},
	"control_handshake": {
		"type": true, "version": true, "hostname": true, "username": true, "working_dir": true,
	},
	"terminal_started": {"type": true, "name": true, "request_id": true, "success": true, "error": true},
	"terminal_closed":  {"type": true, "name": true, "exit_code": true},
}

// EncodeControlFrame renders a control frame as the UTF-8 JSON object the
// relay expects: a "type" discriminator plus snake_case fields.
func EncodeControlFrame(f ControlFrame) ([]byte, error) {
	switch v := f.(type) {
	case StartTerminalFrame:
		return json.Marshal(struct {
			Type      string `json:"type"`
			Name      string `json:"name"`
			Cols      uint16 `json:"cols"`
			Rows      uint16 `json:"rows"`
			RequestID string `json:"request_id"`
		}{"start_terminal", v.Name, v.Cols, v.Rows, v.RequestID})
	case CloseTerminalFrame:
		return json.Marshal(struct {
			Type   string `json:"type"`
			Name   string `json:"name"`
			Signal *int   `json:"signal,omitempty"`
		}{"close_terminal", v.Name, v.Signal})
	case ControlHandshakeFrame:
		return json.Marshal(struct {
			Type       string `json:"type"`
			Version    string `json:"version"`
			Hostname   string `json:"hostname"`
			Username   string `json:"username"`
			WorkingDir string `json:"working_dir"`
		}{"control_handshake", v.Version, v.Hostname, v.Username, v.WorkingDir})
	case TerminalStartedFrame:
		return json.Marshal(struct {
			Type      string  `json:"type"`
			Name      string  `json:"name"`
			RequestID string  `json:"request_id"`
			Success   bool    `json:"success"`
			Error     *string `json:"error,omitempty"`
		}{"terminal_started", v.Name, v.RequestID, v.Success, v.Error})
	case TerminalClosedFrame:
		return json.Marshal(struct {
			Type     string `json:"type"`
			Name     string `json:"name"`
			ExitCode int    `json:"exit_code"`
		}{"terminal_closed", v.Name, v.ExitCode})
	default:
		return nil, fmt.Errorf("wire: unencodable control frame %T", f)
	}
}

// DecodeControlFrame parses a control-channel JSON object, rejecting any
// field name not listed for the frame's declared type.
func DecodeControlFrame(raw []byte) (ControlFrame, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("wire: decode control frame: %w", err)
	}
	typeRaw, ok := m["type"]
	if !ok {
		return nil, fmt.Errorf("wire: control frame missing \"type\"")
	}
	var typ string
	if err := json.Unmarshal(typeRaw, &typ); err != nil {
		return nil, fmt.Errorf("wire: control frame type: %w", err)
	}

	allowed, ok := controlFieldsByType[typ]
	if !ok {
		return nil, fmt.Errorf("wire: unknown control frame type %q", typ)
	}
	for k := range m {
		if !allowed[k] {
			return nil, fmt.Errorf("wire: field %q not permitted for control frame type %q", k, typ)
		}
	}

	switch typ {
	case "start_terminal":
		var f struct {
			Name      string `json:"name"`
			Cols      uint16 `json:"cols"`
			Rows      uint16 `json:"rows"`
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		return StartTerminalFrame{Name: f.Name, Cols: f.Cols, Rows: f.Rows, RequestID: f.RequestID}, nil
	case "close_terminal":
		var f struct {
			Name   string `json:"name"`
			Signal *int   `json:"signal"`
		}
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		return CloseTerminalFrame{Name: f.Name, Signal: f.Signal}, nil
	case "control_handshake":
		var f struct {
			Version    string `json:"version"`
			Hostname   string `json:"hostname"`
			Username   string `json:"username"`
			WorkingDir string `json:"working_dir"`
		}
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		return ControlHandshakeFrame(f), nil
	case "terminal_started":
		var f struct {
			Name      string  `json:"name"`
			RequestID string  `json:"request_id"`
			Success   bool    `json:"success"`
			Error     *string `json:"error"`
		}
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		return TerminalStartedFrame{Name: f.Name, RequestID: f.RequestID, Success: f.Success, Error: f.Error}, nil
	case "terminal_closed":
		var f struct {
			Name     string `json:"name"`
			ExitCode int    `json:"exit_code"`
		}
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		return TerminalClosedFrame{Name: f.Name, ExitCode: f.ExitCode}, nil
	default:
		return nil, fmt.Errorf("wire: unknown control frame type %q", typ)
	}
}
