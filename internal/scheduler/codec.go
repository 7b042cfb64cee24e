package scheduler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// JSON keys of the persisted record. Fields at their default value are not
// written, which keeps idle entities small.
const (
	keyExists   = "exists"
	keyState    = "state"
	keyQueue    = "queue"
	keyLockedBy = "lockedBy"
)

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	field := func(key string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", key, err)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.WriteByte('"')
		buf.WriteString(key)
		buf.WriteString(`":`)
		buf.Write(data)
		return nil
	}

	if s.EntityExists {
		if err := field(keyExists, true); err != nil {
			return nil, err
		}
	}
	if s.EntityState != nil {
		if err := field(keyState, *s.EntityState); err != nil {
			return nil, err
		}
	}
	if len(s.Queue) > 0 {
		if err := field(keyQueue, s.Queue); err != nil {
			return nil, err
		}
	}
	if s.LockedBy != "" {
		if err := field(keyLockedBy, s.LockedBy); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
//
// Missing fields take their default value and unknown fields are skipped,
// so records written by newer versions can still be read.
func (s *State) UnmarshalJSON(data []byte) error {
	*s = State{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode scheduler state: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("decode scheduler state: expected object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode scheduler state: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("decode scheduler state: unexpected token %v", tok)
		}

		switch key {
		case keyExists:
			err = dec.Decode(&s.EntityExists)
		case keyState:
			var state *string
			err = dec.Decode(&state)
			s.EntityState = state
		case keyQueue:
			err = dec.Decode(&s.Queue)
			if len(s.Queue) == 0 {
				s.Queue = nil
			}
		case keyLockedBy:
			err = dec.Decode(&s.LockedBy)
		default:
			var skip json.RawMessage
			err = dec.Decode(&skip)
		}
		if err != nil {
			return fmt.Errorf("decode scheduler state field %q: %w", key, err)
		}
	}

	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decode scheduler state: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode scheduler state: trailing data")
	}
	return nil
}

// Decode parses a persisted record. Empty input yields the empty state.
func Decode(data []byte) (State, error) {
	var s State
	if len(bytes.TrimSpace(data)) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, err
	}
	return s, nil
}
