package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl MessageType = "client_control"
	TypeStateSnapshot MessageType = "state_snapshot"
	TypeStatusEvent   MessageType = "status_event"
	TypeActionResult  MessageType = "action_result"
	TypeErrorEvent    MessageType = "error_event"
)

// Client control actions.
const (
	ActionRefresh           = "refresh"
	ActionCheckAvailability = "check_availability"
	ActionInitialize        = "initialize"
	ActionOpenForm          = "open_form"
	ActionCloseForm         = "close_form"
	ActionUpdateForm        = "update_form"
	ActionCreate            = "create"
	ActionSelect            = "select"
	ActionCloseDetail       = "close_detail"
	ActionDecrypt           = "decrypt"
)

var (
	ErrUnsupportedType   = errors.New("unsupported message type")
	ErrUnsupportedAction = errors.New("unsupported control action")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

type FormFields struct {
	Name         string `json:"name"`
	ComputeValue string `json:"compute_value"`
	Description  string `json:"description"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	Action    string      `json:"action"`
	RequestID string      `json:"request_id,omitempty"`
	TaskID    string      `json:"task_id,omitempty"`
	Form      *FormFields `json:"form,omitempty"`
}

type StateSnapshot struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason"`
	State  any         `json:"state"`
}

type StatusEvent struct {
	Type       MessageType `json:"type"`
	Visible    bool        `json:"visible"`
	Kind       string      `json:"kind"`
	Message    string      `json:"message"`
	Generation uint64      `json:"generation"`
}

type ActionResult struct {
	Type      MessageType `json:"type"`
	Action    string      `json:"action"`
	RequestID string      `json:"request_id,omitempty"`
	OK        bool        `json:"ok"`
	Result    any         `json:"result,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Action    string      `json:"action,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.TrimSpace(msg.Action)
		msg.TaskID = strings.TrimSpace(msg.TaskID)
		if err := validateControl(msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func validateControl(msg ClientControl) error {
	switch msg.Action {
	case ActionRefresh, ActionCheckAvailability, ActionInitialize,
		ActionOpenForm, ActionCloseForm, ActionCreate, ActionCloseDetail:
		return nil
	case ActionSelect, ActionDecrypt:
		if msg.TaskID == "" {
			return fmt.Errorf("invalid client_control: %s requires task_id", msg.Action)
		}
		return nil
	case ActionUpdateForm:
		if msg.Form == nil {
			return errors.New("invalid client_control: update_form requires form")
		}
		return nil
	case "":
		return errors.New("invalid client_control: missing action")
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedAction, msg.Action)
	}
}
