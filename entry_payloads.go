package raft

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"time"

	"github.com/vsuslov/copycat/internal/errors"
)

var errUnregisterPayloadTooShort = errors.New("unregister payload too short")

// The functions in this file encode and decode the payloads carried by
// session-control and configuration log entries. The unregister payload
// is a fixed 8-byte big-endian session ID; the others, like
// encodeLogEntry, use gob rather than protobuf since these payloads are this
// package's own on-disk representation, never observed over the wire
// (see DESIGN.md); protobuf remains the codec for package
// transport/grpc, where it actually serializes messages between
// processes.

type configurationPayload struct {
	Members []Member
}

func encodeConfiguration(config Configuration) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(configurationPayload{Members: config.Members}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeConfiguration(data []byte) (Configuration, error) {
	var payload configurationPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return Configuration{}, err
	}
	return Configuration{Members: payload.Members}, nil
}

type registerPayload struct {
	Client  string
	Timeout int64
}

func encodeRegisterPayload(client string, timeout time.Duration) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(registerPayload{Client: client, Timeout: int64(timeout)})
	return buf.Bytes()
}

func decodeRegisterPayload(data []byte) (string, time.Duration, error) {
	var payload registerPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return "", 0, err
	}
	return payload.Client, time.Duration(payload.Timeout), nil
}

type keepAlivePayload struct {
	Session         uint64
	CommandSequence uint64
	EventIndex      uint64
}

func encodeKeepAlivePayload(session, commandSequence, eventIndex uint64) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(keepAlivePayload{Session: session, CommandSequence: commandSequence, EventIndex: eventIndex})
	return buf.Bytes()
}

func decodeKeepAlivePayload(data []byte) (uint64, uint64, uint64, error) {
	var payload keepAlivePayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return 0, 0, 0, err
	}
	return payload.Session, payload.CommandSequence, payload.EventIndex, nil
}

func encodeUnregisterPayload(session uint64) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, session)
	return buf.Bytes()
}

func decodeUnregisterPayload(data []byte) (uint64, error) {
	if len(data) < 8 {
		return 0, errUnregisterPayloadTooShort
	}
	return binary.BigEndian.Uint64(data), nil
}

type commandPayload struct {
	Session  uint64
	Sequence uint64
	Command  []byte
}

// encodeCommandEntry wraps the client-submitted command bytes together
// with the session/sequence context they were submitted under, so a
// server that replays this entry from disk (rather than having
// appended it itself as leader) can still route the applied result
// and maintain command sequencing correctly.
func encodeCommandEntry(session, sequence uint64, command []byte) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(commandPayload{Session: session, Sequence: sequence, Command: command})
	return buf.Bytes()
}

func decodeCommandEntry(data []byte) (session, sequence uint64, command []byte, err error) {
	var payload commandPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return 0, 0, nil, err
	}
	return payload.Session, payload.Sequence, payload.Command, nil
}
