package firecracker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize caps one framed message (64 MiB); resource and output
// archives travel inside a single frame.
const MaxMessageSize = 64 << 20

// GuestRequest is sent by the host once per job.
type GuestRequest struct {
	JobID     string         `json:"job_id"`
	Image     string         `json:"image"`
	Script    string         `json:"script"`
	Params    map[string]any `json:"params,omitempty"`
	Resources []byte         `json:"resources,omitempty"`
	TimeoutMS int64          `json:"timeout_ms,omitempty"`
}

// GuestResponse is the final outcome reported by the guest.
type GuestResponse struct {
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
	// TimedOut is set when the guest killed the job at TimeoutMS.
	TimedOut bool `json:"timed_out,omitempty"`
	// Outputs is a tar.gz of the regular files at the top of the output mount.
	Outputs []byte `json:"outputs,omitempty"`
}

// Guest→host message types.
const (
	MsgTypeLog    = "log"
	MsgTypeResult = "result"
)

// GuestMessage wraps every guest→host frame. Log frames carry one line of
// one stream; the single result frame ends the exchange.
type GuestMessage struct {
	Type     string         `json:"type"`
	Stream   string         `json:"stream,omitempty"`
	Line     string         `json:"line,omitempty"`
	Response *GuestResponse `json:"response,omitempty"`
}

// WriteMessage writes v as JSON behind a 4-byte big-endian length prefix.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed JSON frame into v.
func ReadMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
