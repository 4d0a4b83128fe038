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

// Package wire implements the framed, checksummed message format exchanged
// between the host and a sandbox guest. A frame is:
//
//	[4 bytes: command length N, big-endian]
//	[4 bytes: payload length M, big-endian]
//	[N bytes: command, UTF-8]
//	[M bytes: payload, raw]
//	[64 bytes: lowercase hex SHA-256 of (command bytes ++ payload bytes)]
//
// The same format is spoken on both sides of the boundary: Conn on the
// host, the guest agent on the other end of the vsock.
package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrProtocol is the root of the protocol error taxonomy.
	ErrProtocol = errors.New("protocol error")

	// ErrMalformedFrame marks a buffer too short to be a frame or one whose
	// declared lengths do not fit it.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrChecksumMismatch marks a frame whose transmitted checksum does not
	// match the one recomputed over its command and payload.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

const (
	// headerLength is the two big-endian length prefixes.
	headerLength = 8

	// checksumLength is the trailing lowercase hex SHA-256.
	checksumLength = 64

	// maxCommandLength and maxPayloadLength bound what Receive will
	// allocate for a declared frame. Commands are short verbs; payloads
	// carry code and results.
	maxCommandLength = 4 * 1024
	maxPayloadLength = 16 * 1024 * 1024
)

// Message is one command/payload pair. Checksum is informational: Frame
// always recomputes it and Parse always verifies it, so a caller-supplied
// value is never trusted.
type Message struct {
	Command  string
	Payload  []byte
	Checksum string
}

// checksum computes the lowercase hex SHA-256 over command ++ payload.
func checksum(command string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(command))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Frame serializes the message. Any checksum already present on the message
// is ignored and recomputed.
func Frame(m Message) []byte {
	command := []byte(m.Command)
	sum := checksum(m.Command, m.Payload)

	buf := make([]byte, 0, headerLength+len(command)+len(m.Payload)+checksumLength)
	var header [headerLength]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(command)))
	binary.BigEndian.PutUint32(header[4:8], uint32(len(m.Payload)))

	buf = append(buf, header[:]...)
	buf = append(buf, command...)
	buf = append(buf, m.Payload...)
	buf = append(buf, sum...)
	return buf
}

// Parse deserializes one frame. The buffer must contain exactly one frame;
// short buffers and length fields that do not fit fail with
// ErrMalformedFrame, and a checksum that does not match the recomputed one
// fails with ErrChecksumMismatch.
func Parse(buf []byte) (Message, error) {
	if len(buf) < headerLength {
		return Message{}, errors.Join(
			fmt.Errorf("frame too short: %d bytes", len(buf)),
			ErrMalformedFrame,
			ErrProtocol,
		)
	}

	commandLength := binary.BigEndian.Uint32(buf[0:4])
	payloadLength := binary.BigEndian.Uint32(buf[4:8])

	total := uint64(headerLength) + uint64(commandLength) + uint64(payloadLength) + checksumLength
	if uint64(len(buf)) != total {
		return Message{}, errors.Join(
			fmt.Errorf("declared lengths need %d bytes, buffer has %d", total, len(buf)),
			ErrMalformedFrame,
			ErrProtocol,
		)
	}

	command := string(buf[headerLength : headerLength+commandLength])
	payload := make([]byte, payloadLength)
	copy(payload, buf[headerLength+commandLength:headerLength+commandLength+payloadLength])
	transmitted := string(buf[total-checksumLength:])

	if computed := checksum(command, payload); computed != transmitted {
		return Message{}, errors.Join(
			fmt.Errorf("computed %s, frame carries %s", computed, transmitted),
			ErrChecksumMismatch,
			ErrProtocol,
		)
	}

	return Message{Command: command, Payload: payload, Checksum: transmitted}, nil
}
