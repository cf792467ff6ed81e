package network

import (
	"errors"
	"fmt"
	"strings"

	"securicator/crypto"
)

const (
	// Subprotocol is the WebSocket subprotocol spoken by relay and clients.
	Subprotocol = "protocolOne"
	// DefaultMaxMessageBytes bounds one inbound WebSocket message.
	DefaultMaxMessageBytes = 1 << 20
)

// Outer verbs understood by the relay.
const (
	VerbConnect        = "CONNECT"
	VerbPing           = "PING"
	VerbPong           = "PONG"
	VerbContactMessage = "CONTACT_MESSAGE"
)

// Verb names a decrypted message kind.
type Verb string

// Verbs carried inside sealed CONTACT_MESSAGE frames.
const (
	VerbEvent                 Verb = "EVENT"
	VerbAckEvent              Verb = "ACK_EVENT"
	VerbHeartbeat             Verb = "HEARTBEAT"
	VerbContactInfo           Verb = "CONTACT_INFO"
	VerbSameContactSync       Verb = "SAME_CONTACT_SYNC"
	VerbUpdateLastContactSync Verb = "UPDATE_LAST_CONTACT_SYNC"
	VerbOfferSameContactSync  Verb = "OFFER_SAME_CONTACT_SYNC"
)

var (
	// ErrMalformedFrame indicates an outer frame did not match the wire grammar.
	ErrMalformedFrame = errors.New("network: malformed frame")
	// ErrUnknownVerb indicates a decrypted message used an unsupported verb.
	ErrUnknownVerb = errors.New("network: unknown verb")
)

// FrameKind identifies the outer frame shape.
type FrameKind int

const (
	FrameConnect FrameKind = iota + 1
	FramePing
	FramePong
	FrameRouted
)

func (k FrameKind) String() string {
	switch k {
	case FrameConnect:
		return "connect"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameRouted:
		return "routed"
	default:
		return "unknown"
	}
}

// Retention selects what the relay does with a frame whose recipient is offline.
type Retention int

const (
	// RetentionDrop discards the frame when nobody else is bound to the destination.
	RetentionDrop Retention = 0
	// RetentionQueue stores the frame until the destination connects.
	RetentionQueue Retention = 1
)

// Frame is one decoded outer wire frame.
type Frame struct {
	Kind FrameKind

	// PublicKey is set for CONNECT frames.
	PublicKey string

	From      string
	To        string
	Retention Retention
	Sealed    crypto.Sealed
}

// ConnectFrame builds the binding frame sent right after a connection opens.
func ConnectFrame(publicKey string) Frame {
	return Frame{Kind: FrameConnect, PublicKey: publicKey}
}

// RoutedFrame builds a CONTACT_MESSAGE frame.
func RoutedFrame(from, to string, retention Retention, sealed crypto.Sealed) Frame {
	return Frame{Kind: FrameRouted, From: from, To: to, Retention: retention, Sealed: sealed}
}

// Encode renders the frame in its text wire form.
func (f Frame) Encode() []byte {
	switch f.Kind {
	case FrameConnect:
		return []byte(VerbConnect + " " + f.PublicKey)
	case FramePing:
		return []byte(VerbPing)
	case FramePong:
		return []byte(VerbPong)
	default:
		return []byte(strings.Join([]string{
			f.From,
			f.To,
			fmt.Sprint(int(f.Retention)),
			VerbContactMessage,
			f.Sealed.Signature,
			f.Sealed.EncryptedSymmetricKey,
			f.Sealed.IV,
			f.Sealed.EncryptedContent,
		}, " "))
	}
}

// ParseHeader decodes only what the relay needs to route a frame. Sealed is left empty.
func ParseHeader(data []byte) (Frame, error) {
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return Frame{}, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}

	switch fields[0] {
	case VerbConnect:
		if len(fields) != 2 {
			return Frame{}, fmt.Errorf("%w: CONNECT expects one public key", ErrMalformedFrame)
		}
		return ConnectFrame(fields[1]), nil
	case VerbPing:
		return Frame{Kind: FramePing}, nil
	case VerbPong:
		return Frame{Kind: FramePong}, nil
	}

	if len(fields) < 3 {
		return Frame{}, fmt.Errorf("%w: routed frame needs from, to and retention", ErrMalformedFrame)
	}
	var retention Retention
	switch fields[2] {
	case "0":
		retention = RetentionDrop
	case "1":
		retention = RetentionQueue
	default:
		return Frame{}, fmt.Errorf("%w: retention %q", ErrMalformedFrame, fields[2])
	}

	return Frame{Kind: FrameRouted, From: fields[0], To: fields[1], Retention: retention}, nil
}

// ParseFrame decodes a complete frame, including the sealed fields of CONTACT_MESSAGE.
func ParseFrame(data []byte) (Frame, error) {
	frame, err := ParseHeader(data)
	if err != nil || frame.Kind != FrameRouted {
		return frame, err
	}

	fields := strings.Fields(string(data))
	if len(fields) != 8 {
		return Frame{}, fmt.Errorf("%w: routed frame has %d fields, want 8", ErrMalformedFrame, len(fields))
	}
	if fields[3] != VerbContactMessage {
		return Frame{}, fmt.Errorf("%w: unexpected verb %q", ErrMalformedFrame, fields[3])
	}
	frame.Sealed = crypto.Sealed{
		Signature:             fields[4],
		EncryptedSymmetricKey: fields[5],
		IV:                    fields[6],
		EncryptedContent:      fields[7],
	}
	return frame, nil
}

// Message is the decrypted content of a CONTACT_MESSAGE frame.
type Message struct {
	Verb    Verb
	Payload string
}

// String renders the message as "<VERB> <payload>".
func (m Message) String() string {
	if m.Payload == "" {
		return string(m.Verb)
	}
	return string(m.Verb) + " " + m.Payload
}

// ParseMessage splits decrypted content into verb and payload.
func ParseMessage(content string) (Message, error) {
	verb, payload, _ := strings.Cut(content, " ")
	msg := Message{Verb: Verb(verb), Payload: payload}
	if !msg.Verb.Known() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownVerb, verb)
	}
	return msg, nil
}

// Known reports whether v is a supported inner verb.
func (v Verb) Known() bool {
	switch v {
	case VerbEvent, VerbAckEvent, VerbHeartbeat, VerbContactInfo,
		VerbSameContactSync, VerbUpdateLastContactSync, VerbOfferSameContactSync:
		return true
	default:
		return false
	}
}
