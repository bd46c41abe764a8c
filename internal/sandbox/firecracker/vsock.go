package firecracker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

const (
	dialMaxRetries  = 8
	dialBaseBackoff = 100 * time.Millisecond
)

// GuestConn is a connection to the guest agent of one microVM. It is used by
// a single job.
type GuestConn struct {
	conn   net.Conn
	reader io.Reader
}

// DialGuest connects to the guest agent through Firecracker's vsock UDS
// bridge, retrying with exponential backoff while the guest boots.
func DialGuest(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dial guest: %w", err)
		}

		gc, err := dialVsockUDS(ctx, udsPath, port)
		if err == nil {
			return gc, nil
		}
		lastErr = err

		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial guest: %w", ctx.Err())
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("dial guest after %d attempts: %w", dialMaxRetries, lastErr)
}

// dialVsockUDS performs the "CONNECT <port>\n" / "OK <n>\n" handshake.
// The buffered reader is kept so bytes read past the handshake are not lost.
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	if line = strings.TrimSpace(line); !strings.HasPrefix(line, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", line)
	}
	return &GuestConn{conn: conn, reader: reader}, nil
}

// Send writes the job request.
func (gc *GuestConn) Send(req GuestRequest) error {
	if err := WriteMessage(gc.conn, &req); err != nil {
		return fmt.Errorf("send job: %w", err)
	}
	return nil
}

// Receive reads log frames until the result frame arrives. Each log line is
// passed to logWriter. When ctx is done the connection is closed and the
// returned error wraps ctx's error.
func (gc *GuestConn) Receive(ctx context.Context, logWriter func(stream, line string)) (GuestResponse, error) {
	stop := context.AfterFunc(ctx, func() {
		gc.conn.SetDeadline(time.Now())
	})
	defer stop()

	for {
		var msg GuestMessage
		if err := ReadMessage(gc.reader, &msg); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return GuestResponse{}, fmt.Errorf("read guest message: %w", errors.Join(ctxErr, err))
			}
			return GuestResponse{}, fmt.Errorf("read guest message: %w", err)
		}

		switch msg.Type {
		case MsgTypeLog:
			if logWriter != nil {
				logWriter(msg.Stream, msg.Line)
			}
		case MsgTypeResult:
			if msg.Response == nil {
				return GuestResponse{}, errors.New("result message without response")
			}
			return *msg.Response, nil
		default:
			return GuestResponse{}, fmt.Errorf("unknown message type: %q", msg.Type)
		}
	}
}

// Close closes the underlying connection.
func (gc *GuestConn) Close() error {
	return gc.conn.Close()
}
