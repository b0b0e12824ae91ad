package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Inbound event names (client to server).
const (
	EventJoinRoom     = "join-room"
	EventLeaveRoom    = "leave-room"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventCallUser     = "call-user"
	EventCallResponse = "call-response"
	EventEndCall      = "end-call"
	EventSendMessage  = "send-message"
	EventChatMessage  = "chat-message"
	EventUserTyping   = "user-typing"
	EventAcceptRoom   = "accept-room"
	EventEndChat      = "end-chat"
)

// Outbound event names (server to client). offer, answer, ice-candidate,
// call-response, chat-message and user-typing reuse the inbound names.
const (
	EventUserJoined    = "user-joined"
	EventRoomUsers     = "room-users"
	EventUserLeft      = "user-left"
	EventCallRequested = "call-requested"
	EventCallEnded     = "call-ended"
	EventNewMessage    = "new-message"
	EventRoomAccepted  = "room-accepted"
	EventChatEnded     = "chat-ended"
	EventError         = "error"
)

// DefaultEndChatReason is sent in chat-ended when the client gives no motivo.
const DefaultEndChatReason = "Chat finalizado"

const messageUnauthorizedOffer = "only assistants can initiate calls"

var errMalformed = errors.New("signaling: malformed payload")

// Envelope is the wire frame: one JSON text message per event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes a single frame. Data is left undecoded.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	env.Event = strings.TrimSpace(env.Event)
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", errMalformed)
	}
	return env, nil
}

func newEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}

type Role string

const (
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// ParseRole maps anything other than "assistant" to RoleUser.
func ParseRole(raw string) Role {
	if strings.EqualFold(strings.TrimSpace(raw), string(RoleAssistant)) {
		return RoleAssistant
	}
	return RoleUser
}

type Participant struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	SocketID string `json:"socketId"`
	Role     Role   `json:"userRole"`
}

type RoomInfo struct {
	ID           string        `json:"id"`
	HostName     string        `json:"hostName,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	Participants []Participant `json:"participants"`
}

// looseBool accepts any JSON value and keeps its truthiness: false, 0, "",
// null and a missing field are false; everything else is true.
type looseBool bool

func (b *looseBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0, bytes.Equal(data, []byte("null")), bytes.Equal(data, []byte("false")):
		*b = false
	case bytes.Equal(data, []byte("true")):
		*b = true
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = s != ""
	case data[0] == '{' || data[0] == '[':
		*b = true
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		*b = f != 0
	}
	return nil
}

// request is implemented by every inbound payload record.
type request interface {
	validate() error
}

// decodeRequest unmarshals data into req and validates it. Unknown fields are
// ignored; a missing or null payload decodes to the zero record.
func decodeRequest(data json.RawMessage, req request) error {
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, req); err != nil {
			return fmt.Errorf("%w: %v", errMalformed, err)
		}
	}
	return req.validate()
}

func missing(fields ...string) error {
	return fmt.Errorf("%w: missing %s", errMalformed, strings.Join(fields, ", "))
}

func isEmptyRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

type joinRoomRequest struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Role     string `json:"role"`
}

func (r *joinRoomRequest) validate() error {
	if r.RoomID == "" || r.UserID == "" {
		return missing("roomId", "userId")
	}
	return nil
}

type leaveRoomRequest struct {
	RoomID string `json:"roomId"`
}

func (r *leaveRoomRequest) validate() error {
	if r.RoomID == "" {
		return missing("roomId")
	}
	return nil
}

type offerRequest struct {
	Offer json.RawMessage `json:"offer"`
	To    string          `json:"to"`
	From  string          `json:"from"`
}

func (r *offerRequest) validate() error {
	if isEmptyRaw(r.Offer) || r.To == "" {
		return missing("offer", "to")
	}
	return nil
}

type answerRequest struct {
	Answer json.RawMessage `json:"answer"`
	To     string          `json:"to"`
	From   string          `json:"from"`
}

func (r *answerRequest) validate() error {
	if isEmptyRaw(r.Answer) || r.To == "" {
		return missing("answer", "to")
	}
	return nil
}

type iceCandidateRequest struct {
	Candidate json.RawMessage `json:"candidate"`
	To        string          `json:"to"`
	From      string          `json:"from"`
}

func (r *iceCandidateRequest) validate() error {
	if r.To == "" {
		return missing("to")
	}
	// A null candidate is the end-of-candidates marker and is relayed as is.
	if len(bytes.TrimSpace(r.Candidate)) == 0 {
		r.Candidate = json.RawMessage("null")
	}
	return nil
}

type callUserRequest struct {
	RoomID   string `json:"roomId"`
	To       string `json:"to"`
	From     string `json:"from"`
	FromName string `json:"fromName"`
}

func (r *callUserRequest) validate() error {
	if r.To == "" {
		return missing("to")
	}
	return nil
}

type callResponseRequest struct {
	To       string    `json:"to"`
	Accepted looseBool `json:"accepted"`
	From     string    `json:"from"`
}

func (r *callResponseRequest) validate() error {
	if r.To == "" {
		return missing("to")
	}
	return nil
}

type endCallRequest struct {
	RoomID string `json:"roomId"`
	To     string `json:"to"`
	From   string `json:"from"`
}

func (r *endCallRequest) validate() error { return nil }

type sendMessageRequest struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
	Sender  string `json:"sender"`
}

func (r *sendMessageRequest) validate() error {
	if r.RoomID == "" {
		return missing("roomId")
	}
	return nil
}

type chatMessageRequest struct {
	RoomID     string          `json:"roomId"`
	Message    string          `json:"message"`
	SenderID   string          `json:"senderId"`
	SenderName string          `json:"senderName"`
	ReceiverID string          `json:"receiverId"`
	Timestamp  json.RawMessage `json:"timestamp"`
}

func (r *chatMessageRequest) validate() error {
	if r.RoomID == "" || r.Message == "" || r.SenderID == "" || r.SenderName == "" {
		return missing("roomId", "message", "senderId", "senderName")
	}
	return nil
}

type typingRequest struct {
	RoomID     string    `json:"roomId"`
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName"`
	ReceiverID string    `json:"receiverId"`
	IsTyping   looseBool `json:"isTyping"`
}

func (r *typingRequest) validate() error {
	if r.RoomID == "" || r.UserID == "" {
		return missing("roomId", "userId")
	}
	return nil
}

type acceptRoomRequest struct {
	RoomID        string `json:"roomId"`
	AsistenteID   string `json:"asistenteId"`
	AsistenteName string `json:"asistenteName"`
}

func (r *acceptRoomRequest) validate() error {
	if r.RoomID == "" || r.AsistenteID == "" || r.AsistenteName == "" {
		return missing("roomId", "asistenteId", "asistenteName")
	}
	return nil
}

type endChatRequest struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Motivo string `json:"motivo"`
}

func (r *endChatRequest) validate() error {
	if r.RoomID == "" {
		return missing("roomId")
	}
	return nil
}

// Outbound payloads.

type userLeftPayload struct {
	UserID string `json:"userId"`
}

type offerPayload struct {
	Offer json.RawMessage `json:"offer"`
	From  string          `json:"from"`
}

type answerPayload struct {
	Answer json.RawMessage `json:"answer"`
	From   string          `json:"from"`
}

type iceCandidatePayload struct {
	Candidate json.RawMessage `json:"candidate"`
	From      string          `json:"from"`
}

type callRequestedPayload struct {
	From     string `json:"from"`
	FromName string `json:"fromName"`
	RoomID   string `json:"roomId"`
}

type callResponsePayload struct {
	From     string `json:"from"`
	Accepted bool   `json:"accepted"`
}

type callEndedPayload struct {
	From string `json:"from"`
}

type newMessagePayload struct {
	Message   string `json:"message"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
}

type chatMessagePayload struct {
	ID         string          `json:"id"`
	RoomID     string          `json:"roomId"`
	Message    string          `json:"message"`
	SenderID   string          `json:"senderId"`
	SenderName string          `json:"senderName"`
	ReceiverID string          `json:"receiverId,omitempty"`
	Timestamp  json.RawMessage `json:"timestamp"`
	Delivered  bool            `json:"delivered,omitempty"`
}

type typingPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

type roomAcceptedPayload struct {
	RoomID        string `json:"roomId"`
	AsistenteID   string `json:"asistenteId"`
	AsistenteName string `json:"asistenteName"`
}

type chatEndedPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Motivo   string `json:"motivo"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// timestampLayout matches the ISO-8601 strings browsers produce with
// Date.prototype.toISOString.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
