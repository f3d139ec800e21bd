// Package protocol implements the rendezvous control-plane wire format:
// JSON objects, one per logical message, written without any length or
// newline delimiter. Since a raw net.Conn gives no framing of its own,
// Decoder relies on jsoniter's streaming decoder to consume exactly one
// JSON value per call and leave any trailing bytes buffered for the next
// one.
package protocol

import (
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/qbalin/nat-tunnel/internal/endpoint"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Command names, exactly as they appear on the wire.
const (
	CmdRegister                     = "register"
	CmdTryConnectToPeer             = "tryConnectToPeer"
	CmdInitiateRelayedCommunication = "initiateRelayedCommunication"
)

// ErrUnknownCommand names the condition of a message whose "command" field
// doesn't match one of the known control-plane messages. Decode does not
// return it: such a message decodes with a nil error and Message.Unknown
// set, and unknown commands are ignored rather than treated as fatal.
var ErrUnknownCommand = errors.New("protocol: unknown command")

// envelope is used only to sniff the "command" discriminator before
// unmarshaling into the concrete type.
type envelope struct {
	Command string `json:"command"`
}

// Register is the C→S message sent on connect and on relay fallback.
type Register struct {
	Command      string `json:"command"`
	LocalPort    int    `json:"localPort"`
	LocalAddress string `json:"localAddress"`
	Relay        bool   `json:"relay"`
}

// NewRegister builds a Register message with the command field set.
func NewRegister(localPort int, localAddress string, relay bool) Register {
	return Register{
		Command:      CmdRegister,
		LocalPort:    localPort,
		LocalAddress: localAddress,
		Relay:        relay,
	}
}

// TryConnectToPeer is the S→C introduction carrying the peer's endpoints.
type TryConnectToPeer struct {
	Command  string            `json:"command"`
	Name     string            `json:"name"`
	PeerName string            `json:"peerName"`
	Public   endpoint.Endpoint `json:"public"`
	Private  endpoint.Endpoint `json:"private"`
}

// InitiateRelayedCommunication is the S→C handoff into relay mode.
type InitiateRelayedCommunication struct {
	Command  string `json:"command"`
	Name     string `json:"name"`
	PeerName string `json:"peerName"`
}

// Message is the decoded result of reading one control-plane frame: exactly
// one of the pointer fields is non-nil. A message whose command was
// unrecognized decodes to the zero Message with Unknown set to the raw
// command string.
type Message struct {
	Register                     *Register
	TryConnectToPeer             *TryConnectToPeer
	InitiateRelayedCommunication *InitiateRelayedCommunication
	Unknown                      string
}

// Decoder reads successive control-plane messages off a stream. It must not
// be shared between goroutines.
type Decoder struct {
	jd *jsoniter.Decoder
}

// NewDecoder prepares to decode one JSON message at a time from r. r is
// passed directly to jsoniter, which buffers internally; wrapping it in a
// second buffered reader would let bytes sit in the outer buffer where
// Buffered() (which only reports jsoniter's own leftover) could never see
// them.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{jd: json.NewDecoder(r)}
}

// Decode reads and parses the next message. A JSON syntax error is treated
// as an empty object (a no-op command) rather than returned; io errors
// (including io.EOF on a closed control socket) are returned as-is so
// callers can distinguish a malformed message from a dead connection.
func (d *Decoder) Decode() (Message, error) {
	var raw jsoniter.RawMessage
	if err := d.jd.Decode(&raw); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrClosedPipe) {
			return Message{}, err
		}
		// Malformed JSON: treat as an empty object, i.e. a no-op command.
		return Message{}, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, nil
	}
	switch env.Command {
	case CmdRegister:
		var m Register
		if err := json.Unmarshal(raw, &m); err != nil {
			return Message{}, nil
		}
		return Message{Register: &m}, nil
	case CmdTryConnectToPeer:
		var m TryConnectToPeer
		if err := json.Unmarshal(raw, &m); err != nil {
			return Message{}, nil
		}
		return Message{TryConnectToPeer: &m}, nil
	case CmdInitiateRelayedCommunication:
		var m InitiateRelayedCommunication
		if err := json.Unmarshal(raw, &m); err != nil {
			return Message{}, nil
		}
		return Message{InitiateRelayedCommunication: &m}, nil
	default:
		return Message{Unknown: env.Command}, nil
	}
}

// Buffered returns any bytes already read from the underlying stream but not
// yet consumed by a Decode call. Used when promoting a control socket to a
// raw relay pipe: those bytes must be written to the peer before splicing
// begins, or they are silently lost.
func (d *Decoder) Buffered() []byte {
	b, _ := io.ReadAll(d.jd.Buffered())
	return b
}

// WriteMessage marshals v (one of Register, TryConnectToPeer,
// InitiateRelayedCommunication) and writes it to w as a single JSON object
// with no trailing delimiter.
func WriteMessage(w io.Writer, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: marshal: %w", err)
	}
	_, err = w.Write(b)
	return err
}
