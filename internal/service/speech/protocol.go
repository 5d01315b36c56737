package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// Volcengine 双向/单向流式 TTS 使用的二进制帧格式。
// 4 字节头：版本|头长度、消息类型|标志、序列化|压缩、保留位。

const frameProtocolVersion = 0b0001

type frameType uint8

const (
	frameFullClientRequest frameType = 0b0001
	frameFullServerReply   frameType = 0b1001
	frameAudioOnlyReply    frameType = 0b1011
	frameError             frameType = 0b1111
)

type frameFlags uint8

const (
	flagNoSequence       frameFlags = 0b0000
	flagPositiveSequence frameFlags = 0b0001
	flagLastNoSequence   frameFlags = 0b0010
	flagNegativeSequence frameFlags = 0b0011
	flagWithEvent        frameFlags = 0b0100
)

type frameEvent int32

const (
	eventStartConnection    frameEvent = 1
	eventFinishConnection   frameEvent = 2
	eventConnectionStarted  frameEvent = 50
	eventConnectionFailed   frameEvent = 51
	eventConnectionFinished frameEvent = 52
	eventSessionFinished    frameEvent = 152
	eventSessionFailed      frameEvent = 153
)

const (
	serializationNone = 0b0000
	serializationJSON = 0b0001

	compressionNone = 0b0000
	compressionGzip = 0b0001
)

type frame struct {
	kind        frameType
	flags       frameFlags
	compression uint8
	sequence    int32
	event       frameEvent
	sessionID   string
	connectID   string
	errorCode   uint32
	payload     []byte
}

// last reports whether the server marked this frame as the final one.
func (f *frame) last() bool {
	switch f.flags & 0b0011 {
	case flagLastNoSequence, flagNegativeSequence:
		return true
	}
	return f.sequence < 0
}

func (f *frame) hasEvent() bool {
	return f.flags&flagWithEvent == flagWithEvent
}

// body returns the payload, decompressed if needed.
func (f *frame) body() ([]byte, error) {
	switch f.compression {
	case compressionNone:
		return f.payload, nil
	case compressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(f.payload))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("unsupported compression method %d", f.compression)
	}
}

// encodeClientRequest wraps a JSON payload in a full-client-request frame.
func encodeClientRequest(payload []byte) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8+len(payload)))
	buf.WriteByte(frameProtocolVersion<<4 | 0b0001)
	buf.WriteByte(byte(frameFullClientRequest)<<4 | byte(flagNoSequence))
	buf.WriteByte(serializationJSON<<4 | compressionNone)
	buf.WriteByte(0x00)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}

// decodeFrame parses one server frame.
func decodeFrame(data []byte) (*frame, error) {
	r := bytes.NewReader(data)

	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if version := head[0] >> 4; version != frameProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %d", version)
	}
	if extra := int(head[0]&0x0F)*4 - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extra)); err != nil {
			return nil, fmt.Errorf("read extended header: %w", err)
		}
	}

	f := &frame{
		kind:        frameType(head[1] >> 4),
		flags:       frameFlags(head[1] & 0x0F),
		compression: head[2] & 0x0F,
	}

	switch f.flags & 0b0011 {
	case flagPositiveSequence, flagNegativeSequence:
		if err := binary.Read(r, binary.BigEndian, &f.sequence); err != nil {
			return nil, fmt.Errorf("read sequence: %w", err)
		}
	}

	if f.hasEvent() {
		if err := binary.Read(r, binary.BigEndian, &f.event); err != nil {
			return nil, fmt.Errorf("read event: %w", err)
		}
		if !connectionLevel(f.event) {
			id, err := readSized(r)
			if err != nil {
				return nil, fmt.Errorf("read session id: %w", err)
			}
			f.sessionID = id
		}
		if carriesConnectID(f.event) {
			id, err := readSized(r)
			if err != nil {
				return nil, fmt.Errorf("read connect id: %w", err)
			}
			f.connectID = id
		}
	}

	if f.kind == frameError {
		if err := binary.Read(r, binary.BigEndian, &f.errorCode); err != nil {
			return nil, fmt.Errorf("read error code: %w", err)
		}
	}

	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("read payload size: %w", err)
	}
	if size > 0 {
		f.payload = make([]byte, size)
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return nil, fmt.Errorf("read payload (expected %d bytes): %w", size, err)
		}
	}
	return f, nil
}

func readSized(r io.Reader) (string, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return "", err
	}
	if size == 0 {
		return "", nil
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func connectionLevel(event frameEvent) bool {
	switch event {
	case eventStartConnection, eventFinishConnection,
		eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return true
	}
	return false
}

func carriesConnectID(event frameEvent) bool {
	switch event {
	case eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return true
	}
	return false
}
