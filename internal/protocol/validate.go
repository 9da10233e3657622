package protocol

import (
	"errors"
	"fmt"
)

var ErrMalformedMessage = errors.New("malformed message")

// Role identifies which population a connection was authenticated into.
type Role string

const (
	RoleClient Role = "client"
	RoleWorker Role = "worker"
	RoleBridge Role = "bridge"
)

// Message types the hub itself emits toward clients.
const (
	TypeConnected    = "connected"
	TypeWorkerStatus = "worker_status"
)

// Worker-originated types.
const (
	TypeAgentEvent = "agent_event"
	TypeTaskStatus = "task_status"
	TypeError      = "error"
)

// Client-originated types.
const (
	TypeUserMessage     = "user_message"
	TypeTaskCancel      = "task_cancel"
	TypeFileUploadStart = "file_upload_start"
	TypeFileUploadChunk = "file_upload_chunk"
	TypeInputResponse   = "input_response"
	TypeFormResponse    = "form_response"
	TypeFileResponse    = "file_response"
)

// Bridge-originated request types: each expects a correlated response.
const (
	TypeInputRequest = "input_request"
	TypeFormRequest  = "form_request"
	TypeFileRequest  = "file_request"
)

// Bridge-originated content types: fire-and-forget toward the client.
const (
	TypeMessage   = "message"
	TypeFile      = "file"
	TypeFileStart = "file_start"
	TypeFileChunk = "file_chunk"
	TypeLink      = "link"
	TypeCode      = "code"
	TypeList      = "list"
	TypeProgress  = "progress"
)

// fieldSpec lists the fields a concrete type must carry beyond "type".
// Kinds: "s" string, "n" number, "a" array, "o" object, "*" any.
type fieldSpec map[string]string

var (
	workerTypes = map[string]fieldSpec{
		TypeAgentEvent: {"event": "*"},
		TypeTaskStatus: {"status": "s"},
		TypeError:      {"text": "s"},
	}

	clientTypes = map[string]fieldSpec{
		TypeUserMessage:     {"text": "s"},
		TypeTaskCancel:      {},
		TypeFileUploadStart: {"id": "s", "file_id": "s", "name": "s", "total_chunks": "n"},
		TypeFileUploadChunk: {"file_id": "s", "chunk_index": "n", "data": "s"},
		TypeInputResponse:   {"id": "s"},
		TypeFormResponse:    {"id": "s"},
		TypeFileResponse:    {"id": "s"},
	}

	bridgeRequestTypes = map[string]fieldSpec{
		TypeInputRequest: {"id": "s"},
		TypeFormRequest:  {"id": "s", "form": "o"},
		TypeFileRequest:  {"id": "s"},
	}

	bridgeContentTypes = map[string]fieldSpec{
		TypeMessage:   {"text": "s"},
		TypeFile:      {"name": "s", "data": "s"},
		TypeFileStart: {"id": "s", "file_id": "s", "name": "s", "total_chunks": "n"},
		TypeFileChunk: {"file_id": "s", "chunk_index": "n", "data": "s"},
		TypeLink:      {"url": "s"},
		TypeCode:      {"text": "s"},
		TypeList:      {"items": "a"},
		TypeProgress:  {"text": "s"},
		TypeError:     {"text": "s"},
	}
)

// IsBridgeRequest reports whether a valid bridge message expects a
// correlated response.
func IsBridgeRequest(msgType string) bool {
	_, ok := bridgeRequestTypes[msgType]
	return ok
}

// IsClientResponse reports whether a client message answers an outstanding
// bridge request, and must therefore route to the bridge instead of the
// worker.
func IsClientResponse(msgType string) bool {
	switch msgType {
	case TypeInputResponse, TypeFormResponse, TypeFileResponse:
		return true
	}
	return false
}

// Validate checks an inbound message's type against the sender role's
// table and its required fields against the type's spec.
func Validate(role Role, m Message) error {
	msgType := m.Type()
	if msgType == "" {
		return fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	var spec fieldSpec
	var ok bool
	switch role {
	case RoleWorker:
		spec, ok = workerTypes[msgType]
	case RoleClient:
		spec, ok = clientTypes[msgType]
	case RoleBridge:
		if spec, ok = bridgeRequestTypes[msgType]; !ok {
			spec, ok = bridgeContentTypes[msgType]
		}
	}
	if !ok {
		return fmt.Errorf("%w: type %q not allowed for role %s", ErrMalformedMessage, msgType, role)
	}

	for field, kind := range spec {
		v, present := m[field]
		if !present {
			return fmt.Errorf("%w: %s missing required field %q", ErrMalformedMessage, msgType, field)
		}
		if !kindMatches(kind, v) {
			return fmt.Errorf("%w: %s field %q has wrong type", ErrMalformedMessage, msgType, field)
		}
	}
	return nil
}

func kindMatches(kind string, v any) bool {
	switch kind {
	case "s":
		s, ok := v.(string)
		return ok && s != ""
	case "n":
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "a":
		_, ok := v.([]any)
		return ok
	case "o":
		_, ok := v.(map[string]any)
		return ok
	case "*":
		return v != nil
	}
	return false
}
