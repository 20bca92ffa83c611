package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// MaxMessageSize is the largest frame any protocol may write.
	MaxMessageSize = 16 * 1024 * 1024

	// MaxBlockStreamPayloadSize caps one announced block.
	MaxBlockStreamPayloadSize = 2 * 1024 * 1024

	// Per-message caps on the sync protocol.
	MaxSyncStatusMessageSize    = 4 * 1024
	MaxSyncGetBlockHashReqSize  = 1024
	MaxSyncBlockHashMessageSize = 1024
	MaxSyncGetBlocksByHeightSz  = 1024
	MaxSyncGetBlockByHashReqSz  = 1024
	MaxSyncBlocksMessageSize    = 12 * 1024 * 1024
)

// writeLengthPrefixed writes data with a 4-byte big-endian length prefix
func writeLengthPrefixed(w io.Writer, data []byte) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), MaxMessageSize)
	}

	// Write length prefix
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data)))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}

	// Write data
	_, err := w.Write(data)
	return err
}

// readLengthPrefixedWithLimit reads length-prefixed data with an explicit cap.
func readLengthPrefixedWithLimit(r io.Reader, maxSize uint32) ([]byte, error) {
	// Read length prefix
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf)
	if length > maxSize {
		return nil, fmt.Errorf("message too large: %d > %d", length, maxSize)
	}

	// Read data
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	return data, nil
}

// writeMessage writes a message type byte followed by length-prefixed data
func writeMessage(w io.Writer, msgType byte, data []byte) error {
	if _, err := w.Write([]byte{msgType}); err != nil {
		return err
	}
	return writeLengthPrefixed(w, data)
}

// readMessageWithLimit reads a type byte then a length-prefixed payload using
// a message-type-specific payload cap.
func readMessageWithLimit(r io.Reader, maxForType func(byte) (uint32, error)) (byte, []byte, error) {
	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, typeBuf); err != nil {
		return 0, nil, err
	}

	maxSize, err := maxForType(typeBuf[0])
	if err != nil {
		return 0, nil, err
	}

	data, err := readLengthPrefixedWithLimit(r, maxSize)
	if err != nil {
		return 0, nil, err
	}

	return typeBuf[0], data, nil
}

// isExpectedStreamCloseError reports close/reset errors that only mean the
// remote already hung up. Callers log them at debug level at most.
func isExpectedStreamCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) {
		return true
	}

	// libp2p often wraps these as plain errors with descriptive text.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "stream reset"),
		strings.Contains(msg, "connection closed"),
		strings.Contains(msg, "use of closed network connection"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "reset by peer"):
		return true
	default:
		return false
	}
}
