package protocol

import (
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/luciancaetano/roomlink"
)

const (
	headerSize     = 4
	maxPayloadSize = 1024 * 1024 // 1MB max frame payload
)

// Encode writes the command ID as the first 4 bytes (big-endian) followed by the payload.
func Encode(commandID uint32, payload []byte) ([]byte, error) {
	if len(payload) > maxPayloadSize {
		return nil, errors.Errorf("payload size %d exceeds maximum %d bytes", len(payload), maxPayloadSize)
	}

	out := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(out[:headerSize], commandID)
	copy(out[headerSize:], payload)
	return out, nil
}

// Decode splits a frame into its command ID and payload.
// The payload slice references the input data - do not modify it.
func Decode(data []byte) (roomlink.Frame, error) {
	if len(data) < headerSize {
		return roomlink.Frame{}, errors.New("frame too short")
	}
	if len(data)-headerSize > maxPayloadSize {
		return roomlink.Frame{}, errors.Errorf("payload size %d exceeds maximum %d bytes", len(data)-headerSize, maxPayloadSize)
	}

	return roomlink.Frame{
		Command: binary.BigEndian.Uint32(data[:headerSize]),
		Payload: data[headerSize:],
	}, nil
}

// EncodeJSON marshals v and frames it under commandID.
func EncodeJSON(commandID uint32, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, roomlink.ErrFailedToEncode)
	}
	return Encode(commandID, payload)
}

// DecodeRoomJoined parses the handshake completion frame.
func DecodeRoomJoined(frame roomlink.Frame) (roomlink.RoomJoined, error) {
	var joined roomlink.RoomJoined
	if frame.Command != roomlink.CmdRoomJoined {
		return joined, errors.Errorf("%s: command 0x%04x", roomlink.ErrUnexpectedFrame, frame.Command)
	}
	if err := json.Unmarshal(frame.Payload, &joined); err != nil {
		return joined, errors.Wrap(err, roomlink.ErrInvalidFrame)
	}
	return joined, nil
}
