// Package ipc exposes the API core over a unix socket with
// length-prefixed binary frames. Each frame carries a request id, a
// command byte and a JSON payload; responses echo the id with a status
// byte and a JSON body shaped like the HTTP envelopes.
package ipc

import (
	"encoding/binary"
	"errors"
	"io"
)

var (
	ErrInvalidFrame  = errors.New("invalid frame format")
	ErrFrameTooLarge = errors.New("frame too large")
)

const (
	RequestIDSize  = 8
	CommandSize    = 1
	PayloadLenSize = 4

	MaxFrameSize = 16 * 1024 * 1024
)

const (
	CmdCreateCursor       = 1
	CmdContinueCursor     = 2
	CmdDisposeCursor      = 3
	CmdValidateQuery      = 4
	CmdCacheProperties    = 5
	CmdSetCacheProperties = 6
	CmdClearCache         = 7
	CmdCreateCollection   = 8
	CmdInsertDocument     = 9
	CmdListCollections    = 10
)

const (
	StatusOK    = 0
	StatusError = 1
)

type RequestFrame struct {
	RequestID uint64
	Command   uint8
	Payload   []byte
}

type ResponseFrame struct {
	RequestID uint64
	Status    uint8
	Data      []byte
}

func EncodeRequest(frame *RequestFrame) ([]byte, error) {
	size := RequestIDSize + CommandSize + PayloadLenSize + len(frame.Payload)
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, size)
	offset := 0

	binary.LittleEndian.PutUint64(buf[offset:], frame.RequestID)
	offset += RequestIDSize

	buf[offset] = frame.Command
	offset += CommandSize

	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(frame.Payload)))
	offset += PayloadLenSize

	copy(buf[offset:], frame.Payload)
	return buf, nil
}

func DecodeRequest(data []byte) (*RequestFrame, error) {
	if len(data) < RequestIDSize+CommandSize+PayloadLenSize {
		return nil, ErrInvalidFrame
	}

	offset := 0
	frame := &RequestFrame{}

	frame.RequestID = binary.LittleEndian.Uint64(data[offset:])
	offset += RequestIDSize

	frame.Command = data[offset]
	offset += CommandSize

	payloadLen := binary.LittleEndian.Uint32(data[offset:])
	offset += PayloadLenSize

	if offset+int(payloadLen) != len(data) {
		return nil, ErrInvalidFrame
	}
	if payloadLen > 0 {
		frame.Payload = make([]byte, payloadLen)
		copy(frame.Payload, data[offset:])
	}
	return frame, nil
}

func EncodeResponse(frame *ResponseFrame) ([]byte, error) {
	size := RequestIDSize + 1 + PayloadLenSize + len(frame.Data)
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, size)
	offset := 0

	binary.LittleEndian.PutUint64(buf[offset:], frame.RequestID)
	offset += RequestIDSize

	buf[offset] = frame.Status
	offset += 1

	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(frame.Data)))
	offset += PayloadLenSize

	copy(buf[offset:], frame.Data)
	return buf, nil
}

func DecodeResponse(data []byte) (*ResponseFrame, error) {
	if len(data) < RequestIDSize+1+PayloadLenSize {
		return nil, ErrInvalidFrame
	}

	offset := 0
	frame := &ResponseFrame{}

	frame.RequestID = binary.LittleEndian.Uint64(data[offset:])
	offset += RequestIDSize

	frame.Status = data[offset]
	offset += 1

	dataLen := binary.LittleEndian.Uint32(data[offset:])
	offset += PayloadLenSize

	if offset+int(dataLen) > len(data) {
		return nil, ErrInvalidFrame
	}
	if dataLen > 0 {
		frame.Data = make([]byte, dataLen)
		copy(frame.Data, data[offset:])
	}
	return frame, nil
}

func ReadFrame(conn io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(lenBuf)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func WriteFrame(conn io.Writer, data []byte) error {
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(data)))
	if _, err := conn.Write(lenBuf); err != nil {
		return err
	}
	_, err := conn.Write(data)
	return err
}
