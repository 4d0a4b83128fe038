/*
Copyright 2025 The Warden Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package wire

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/mdlayher/vsock"
)

var (
	// ErrIncompleteMessage marks a stream that closed mid-frame.
	ErrIncompleteMessage = errors.New("incomplete message")

	errInvalidCID  = errors.New("cid must be a positive integer")
	errInvalidPort = errors.New("port must be in [1, 65535]")
	errNotDialed   = errors.New("connection is not open")
	errDialVsock   = errors.New("failed to dial vsock")
	errSocketWrite = errors.New("socket write failed")
)

// DefaultPort is the vsock port the guest agent listens on.
const DefaultPort = 5580

// Conn exchanges framed messages with one guest over a stream socket.
// Concurrent Send or Receive calls on the same Conn must be serialized by
// the caller.
type Conn struct {
	cid  uint32
	port uint32
	conn net.Conn
}

// NewConn validates the target address and returns an undialed Conn.
func NewConn(cid, port uint32) (*Conn, error) {
	if cid == 0 {
		return nil, errors.Join(errInvalidCID, ErrProtocol)
	}
	if port == 0 || port > 65535 {
		return nil, errors.Join(fmt.Errorf("port=%d", port), errInvalidPort, ErrProtocol)
	}
	return &Conn{cid: cid, port: port}, nil
}

// Wrap binds a Conn to an already-open stream socket. Used by the guest
// agent after accepting a connection, and by tests over net.Pipe.
func Wrap(nc net.Conn) *Conn {
	return &Conn{conn: nc}
}

// Dial opens the vsock connection to the guest.
func (c *Conn) Dial(ctx context.Context) error {
	nc, err := vsock.Dial(c.cid, c.port, nil)
	if err != nil {
		return errors.Join(
			err,
			fmt.Errorf("cid=%d port=%d", c.cid, c.port),
			errDialVsock,
			ErrProtocol,
		)
	}
	c.conn = nc
	return nil
}

// Close closes the underlying socket. Idempotent.
func (c *Conn) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// applyDeadline maps a context deadline onto the socket, clearing any
// previous one when the context has none.
func (c *Conn) applyDeadline(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	c.conn.SetDeadline(deadline)
}

// Send frames the message and writes it to the socket in full. A short
// write is continued until every byte is out; any socket failure is wrapped
// into a protocol error.
func (c *Conn) Send(ctx context.Context, m Message) error {
	if c.conn == nil {
		return errors.Join(errNotDialed, ErrProtocol)
	}
	c.applyDeadline(ctx)

	buf := Frame(m)
	for len(buf) > 0 {
		n, err := c.conn.Write(buf)
		if err != nil {
			return errors.Join(err, fmt.Errorf("command=%s", m.Command), errSocketWrite, ErrProtocol)
		}
		buf = buf[n:]
	}
	return nil
}

// Receive reads exactly one frame from the socket: the 8-byte header, then
// the command, payload, and checksum segments. A socket that closes
// mid-frame fails with ErrIncompleteMessage rather than yielding a partial
// message.
func (c *Conn) Receive(ctx context.Context) (Message, error) {
	if c.conn == nil {
		return Message{}, errors.Join(errNotDialed, ErrProtocol)
	}
	c.applyDeadline(ctx)

	var header [headerLength]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return Message{}, incomplete("header", err)
	}

	commandLength := binary.BigEndian.Uint32(header[0:4])
	payloadLength := binary.BigEndian.Uint32(header[4:8])
	if commandLength > maxCommandLength || payloadLength > maxPayloadLength {
		return Message{}, errors.Join(
			fmt.Errorf("declared lengths %d/%d exceed limits", commandLength, payloadLength),
			ErrMalformedFrame,
			ErrProtocol,
		)
	}

	frame := make([]byte, headerLength+commandLength+payloadLength+checksumLength)
	copy(frame, header[:])
	if _, err := io.ReadFull(c.conn, frame[headerLength:]); err != nil {
		return Message{}, incomplete("body", err)
	}

	return Parse(frame)
}

func incomplete(segment string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return errors.Join(
			err,
			fmt.Errorf("stream closed while reading %s", segment),
			ErrIncompleteMessage,
			ErrProtocol,
		)
	}
	return errors.Join(err, fmt.Errorf("reading %s", segment), ErrProtocol)
}
