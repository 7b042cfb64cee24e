package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbox event names used by the entity protocol.
// Responses are delivered under the id of the request they answer.
const (
	EventOperation = "op"
	EventRelease   = "release"
)

// RequestMessage asks an entity to run an operation or to join a lock.
//
// A lock request carries the sorted lock set and the position of the
// receiving entity within it; it has no operation name.
type RequestMessage struct {
	// Operation is the operation name. Empty for lock requests.
	Operation string `json:"op,omitempty"`

	// IsSignal marks one-way requests. No response is sent for signals.
	IsSignal bool `json:"signal,omitempty"`

	// Input is the serialized operation argument.
	Input json.RawMessage `json:"input,omitempty"`

	// ID uniquely identifies the request. Responses and lock grants are
	// delivered to the parent under this id.
	ID string `json:"id"`

	// ParentInstanceID is the instance that sent the request and receives
	// the response. Empty for client signals.
	ParentInstanceID string `json:"parent,omitempty"`

	// ParentExecutionID is the execution of the parent that sent the request.
	ParentExecutionID string `json:"parentExecution,omitempty"`

	// ScheduledTime delays delivery of a signal until the given time.
	ScheduledTime *time.Time `json:"due,omitempty"`

	// LockSet is the sorted set of entities to lock. Non-nil only for lock
	// requests.
	LockSet []ID `json:"lockset,omitempty"`

	// Position is the index of the receiving entity in LockSet.
	Position int `json:"pos,omitempty"`
}

// IsLockRequest reports whether the message is a lock request.
func (m *RequestMessage) IsLockRequest() bool {
	return m.LockSet != nil
}

// SetInput serializes v as the operation argument.
// json.RawMessage values are embedded as-is.
func (m *RequestMessage) SetInput(v any) error {
	data, err := encodeContent(v)
	if err != nil {
		return &SchedulerError{Op: fmt.Sprintf("serialize input of operation %q", m.Operation), Err: err}
	}
	m.Input = data
	return nil
}

// GetInput deserializes the operation argument into out.
// A missing argument leaves out untouched.
func (m *RequestMessage) GetInput(out any) error {
	if err := decodeContent(m.Input, out); err != nil {
		return &SchedulerError{Op: fmt.Sprintf("deserialize input of operation %q", m.Operation), Err: err}
	}
	return nil
}

// String implements fmt.Stringer for log output.
func (m RequestMessage) String() string {
	if m.IsLockRequest() {
		return fmt.Sprintf("lock request id=%s parent=%s pos=%d/%d", m.ID, m.ParentInstanceID, m.Position, len(m.LockSet))
	}
	return fmt.Sprintf("request id=%s op=%s signal=%t", m.ID, m.Operation, m.IsSignal)
}

// ResponseMessage answers a call or grants a lock.
type ResponseMessage struct {
	// Result is the serialized return value, or the serialized error
	// content when ExceptionType is set.
	Result json.RawMessage `json:"result,omitempty"`

	// ExceptionType names the error the operation failed with.
	ExceptionType string `json:"exceptionType,omitempty"`
}

// errorContent is the Result payload of a failed operation.
type errorContent struct {
	Message   string          `json:"message"`
	Operation string          `json:"operation,omitempty"`
	Entity    string          `json:"entity,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// IsError reports whether the response carries an operation failure.
func (r *ResponseMessage) IsError() bool {
	return r.ExceptionType != ""
}

// SetResult serializes v as the operation result.
func (r *ResponseMessage) SetResult(v any) error {
	data, err := encodeContent(v)
	if err != nil {
		return &SchedulerError{Op: "serialize result", Err: err}
	}
	r.Result = data
	r.ExceptionType = ""
	return nil
}

// SetError records err as the outcome of operation op on entity id.
//
// Errors of registered types (see RegisterErrorType) are serialized with
// their fields and rebuilt by GetResult. Other errors keep their message only.
func (r *ResponseMessage) SetError(err error, op string, id ID) {
	content := errorContent{Message: err.Error(), Operation: op}
	if !id.IsZero() {
		content.Entity = id.String()
	}

	var failed *OperationFailedError
	switch name, match := registeredError(err); {
	case match != nil:
		r.ExceptionType = name
		if detail, mErr := json.Marshal(match); mErr == nil {
			content.Detail = detail
		}
	case errors.As(err, &failed):
		// A failure forwarded from a nested call keeps its original type.
		r.ExceptionType = failed.ExceptionType
		content.Message = failed.Message
	default:
		r.ExceptionType = errorTypeName(err)
	}

	data, mErr := json.Marshal(content)
	if mErr != nil {
		data = []byte(`{"message":"unserializable error"}`)
	}
	r.Result = data
}

// GetResult deserializes the result into out, or returns the error the
// operation failed with.
//
// A failure of a registered error type is returned as that type. Any other
// failure is returned as *OperationFailedError.
func (r *ResponseMessage) GetResult(out any) error {
	if !r.IsError() {
		if err := decodeContent(r.Result, out); err != nil {
			return &SchedulerError{Op: "deserialize result", Err: err}
		}
		return nil
	}

	var content errorContent
	if err := json.Unmarshal(r.Result, &content); err != nil {
		return &OperationFailedError{ExceptionType: r.ExceptionType, Content: r.Result}
	}
	if len(content.Detail) > 0 {
		if rebuilt, ok := rebuildError(r.ExceptionType, content.Detail); ok {
			return rebuilt
		}
	}
	return &OperationFailedError{
		Entity:        content.Entity,
		Operation:     content.Operation,
		ExceptionType: r.ExceptionType,
		Message:       content.Message,
		Content:       r.Result,
	}
}

// ReleaseMessage ends a critical section held by ParentInstanceID.
type ReleaseMessage struct {
	ParentInstanceID string `json:"parent"`
	LockRequestID    string `json:"id"`
}

// encodeContent serializes a user value.
func encodeContent(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(t) == 0 {
			return nil, nil
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, t); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return json.Marshal(v)
	}
}

// decodeContent deserializes a user value. Absent and null content leave
// out untouched; a nil out discards the content.
func decodeContent(data json.RawMessage, out any) error {
	if out == nil || len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	return json.Unmarshal(data, out)
}
