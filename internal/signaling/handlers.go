package signaling

import (
	"encoding/json"

	"github.com/asistencia/signaling-relay/internal/metrics"
)

func (r *Relay) handleJoinRoom(s *session, data json.RawMessage) error {
	var req joinRoomRequest
	if err := decodeRequest(data, &req); err != nil {
		return err
	}

	if rm, ok := r.rooms[req.RoomID]; ok && r.roomFull(rm, s, req.UserID) {
		r.metrics.Inc(metrics.DropRoomFull)
		r.log.Info("join rejected, room full", "room_id", req.RoomID, "user_id", req.UserID)
		r.sendError(s, "room is full")
		return nil
	}

	// A connection acts for one identity in one room at a time.
	if s.bound() && (s.roomID != req.RoomID || s.userID != req.UserID) {
		r.leave(s)
	}
	if prev, ok := r.identities[req.UserID]; ok && prev != s {
		r.supersede(prev, req.RoomID)
	}

	rm, ok := r.rooms[req.RoomID]
	if !ok {
		rm = newRoom(req.RoomID, "", r.now())
		r.rooms[req.RoomID] = rm
		r.metrics.Inc(metrics.RoomsCreated)
		r.log.Info("room created", "room_id", req.RoomID, "implicit", true)
	}

	p := Participant{
		UserID:   req.UserID,
		UserName: req.UserName,
		SocketID: s.conn.ID(),
		Role:     ParseRole(req.Role),
	}
	r.identities[req.UserID] = s
	rm.upsert(p)
	rm.members[s.conn.ID()] = s
	s.userID, s.roomID = req.UserID, req.RoomID
	r.metrics.Inc(metrics.Joins)
	r.log.Info("participant joined", "room_id", req.RoomID, "user_id", req.UserID, "role", p.Role, "conn_id", s.conn.ID())

	r.broadcast(rm, EventUserJoined, p, s)
	r.send(s, EventRoomUsers, rm.snapshot(req.UserID))
	return nil
}

// roomFull reports whether admitting userID through s would exceed the room
// cap. Rejoins and identity changes inside the same room never count as new.
func (r *Relay) roomFull(rm *room, s *session, userID string) bool {
	if r.maxParticipants <= 0 {
		return false
	}
	if _, ok := rm.participant(userID); ok {
		return false
	}
	n := len(rm.participants)
	if s.bound() && s.roomID == rm.id {
		n--
	}
	return n >= r.maxParticipants
}

// supersede detaches an older connection from an identity that is joining
// again through a new one. The old connection stays open but unbound.
func (r *Relay) supersede(prev *session, roomID string) {
	r.log.Info("identity superseded", "user_id", prev.userID, "old_conn_id", prev.conn.ID())
	if prev.roomID != roomID {
		r.leave(prev)
		return
	}
	if rm, ok := r.rooms[prev.roomID]; ok {
		delete(rm.members, prev.conn.ID())
	}
	prev.userID, prev.roomID = "", ""
}

func (r *Relay) handleLeaveRoom(s *session, data json.RawMessage) error {
	var req leaveRoomRequest
	if err := decodeRequest(data, &req); err != nil {
		return err
	}
	if !s.bound() || s.roomID != req.RoomID {
		r.log.Debug("leave for unjoined room dropped", "room_id", req.RoomID, "conn_id", s.conn.ID())
		return nil
	}
	r.leave(s)
	return nil
}

// handleOffer checks the role before the payload, so a non-assistant always
// gets an error reply, even for a malformed offer.
func (r *Relay) handleOffer(s *session, data json.RawMessage) error {
	p, ok := r.participantOf(s)
	if !ok || p.Role != RoleAssistant {
		r.metrics.Inc(metrics.OfferUnauthorized)
		r.log.Warn("offer rejected, sender is not an assistant", "conn_id", s.conn.ID(), "user_id", s.userID)
		r.sendError(s, messageUnauthorizedOffer)
		return nil
	}
	var req offerRequest
	if err := decodeRequest(data, &req); err != nil {
		return err
	}
	r.relayTo(req.To, EventOffer, offerPayload{Offer: req.Offer, From: p.UserID})
	return nil
}

func (r *Relay) handleAnswer(s *session, data json.RawMessage) error {
	var req answerRequest
	if err := decodeRequest(data, &req); err != nil {
		return err
	}
	r.relayTo(req.To, EventAnswer, answerPayload{Answer: req.Answer, From: sourceID(s, req.From)})
	return nil
}

func (r *Relay) handleICECandidate(s *session, data json.RawMessage) error {
	var req iceCandidateRequest
	if err := decodeRequest(data, &req); err != nil {
		return err
	}
	r.relayTo(req.To, EventICECandidate, iceCandidatePayload{Candidate: req.Candidate, From: sourceID(s, req.From)})
	return nil
}

func (r *Relay) handleCallUser(s *session, data json.RawMessage) error {
	var req callUserRequest
	if err := decodeRequest(data, &req); err != nil {
		return err
	}
	fromName := req.FromName
	if fromName == "" {
		if p, ok := r.participantOf(s); ok {
			fromName = p.UserName
		}
	}
	roomID := req.RoomID
	if roomID == "" {
		roomID = s.roomID
	}
	r.relayTo(req.To, EventCallRequested, callRequestedPayload{
		From:     sourceID(s, req.From),
		FromName: fromName,
		RoomID:   roomID,
	})
	return nil
}

func (r *Relay) handleCallResponse(s *session, data json.RawMessage) error {
	var req callResponseRequest
	if err := decodeRequest(data, &req); err != nil {
		return err
	}
	r.relayTo(req.To, EventCallResponse, callResponsePayload{From: sourceID(s, req.From), Accepted: bool(req.Accepted)})
	return nil
}

// handleEndCall notifies the named peer, or every other member of the room
// when no peer is named.
func (r *Relay) handleEndCall(s *session, data json.RawMessage) error {
	var req endCallRequest
	if err := decodeRequest(data, &req); err != nil {
		return err
	}
	payload := callEndedPayload{From: sourceID(s, req.From)}
	if req.To != "" {
		r.relayTo(req.To, EventCallEnded, payload)
		return nil
	}
	rm, ok := r.roomFor(s, req.RoomID)
	if !ok {
		return nil
	}
	r.broadcast(rm, EventCallEnded, payload, s)
	return nil
}

func (r *Relay) handleSendMessage(s *session, data json.RawMessage) error {
	var req sendMessageRequest
	if err := decodeRequest(data, &req); err != nil {
		return err
	}
	rm, ok := r.roomFor(s, req.RoomID)
	if !ok {
		return nil
	}
	r.broadcast(rm, EventNewMessage, newMessagePayload{
		Message:   req.Message,
		Sender:    req.Sender,
		Timestamp: formatTimestamp(r.now()),
	}, s)
	return nil
}

// handleChatMessage delivers a direct message and echoes it back to the
// sender as delivered, or fans an untargeted message out to the whole room,
// sender included.
func (r *Relay) handleChatMessage(s *session, data json.RawMessage) error {
	var req chatMessageRequest
	if err := decodeRequest(data, &req); err != nil {
		return err
	}
	msg := chatMessagePayload{
		ID:         r.newID(),
		RoomID:     req.RoomID,
		Message:    req.Message,
		SenderID:   req.SenderID,
		SenderName: req.SenderName,
		ReceiverID: req.ReceiverID,
		Timestamp:  req.Timestamp,
	}
	if isEmptyRaw(msg.Timestamp) {
		ts, err := json.Marshal(formatTimestamp(r.now()))
		if err != nil {
			return err
		}
		msg.Timestamp = ts
	}

	if req.ReceiverID != "" {
		if !r.relayTo(req.ReceiverID, EventChatMessage, msg) {
			return nil
		}
		msg.Delivered = true
		r.send(s, EventChatMessage, msg)
		return nil
	}

	rm, ok := r.roomFor(s, req.RoomID)
	if !ok {
		return nil
	}
	r.broadcast(rm, EventChatMessage, msg, nil)
	return nil
}

func (r *Relay) handleUserTyping(s *session, data json.RawMessage) error {
	var req typingRequest
	if err := decodeRequest(data, &req); err != nil {
		return err
	}
	payload := typingPayload{
		RoomID:   req.RoomID,
		UserID:   req.UserID,
		UserName: req.UserName,
		IsTyping: bool(req.IsTyping),
	}
	if req.ReceiverID != "" {
		r.relayTo(req.ReceiverID, EventUserTyping, payload)
		return nil
	}
	rm, ok := r.roomFor(s, req.RoomID)
	if !ok {
		return nil
	}
	r.broadcast(rm, EventUserTyping, payload, s)
	return nil
}

func (r *Relay) handleAcceptRoom(s *session, data json.RawMessage) error {
	var req acceptRoomRequest
	if err := decodeRequest(data, &req); err != nil {
		return err
	}
	rm, ok := r.roomFor(s, req.RoomID)
	if !ok {
		return nil
	}
	r.log.Info("room accepted", "room_id", req.RoomID, "asistente_id", req.AsistenteID)
	r.broadcast(rm, EventRoomAccepted, roomAcceptedPayload{
		RoomID:        req.RoomID,
		AsistenteID:   req.AsistenteID,
		AsistenteName: req.AsistenteName,
	}, nil)
	return nil
}

func (r *Relay) handleEndChat(s *session, data json.RawMessage) error {
	var req endChatRequest
	if err := decodeRequest(data, &req); err != nil {
		return err
	}
	rm, ok := r.roomFor(s, req.RoomID)
	if !ok {
		return nil
	}
	userID := req.UserID
	if userID == "" {
		userID = s.userID
	}
	var userName string
	if p, ok := rm.participant(userID); ok {
		userName = p.UserName
	}
	motivo := req.Motivo
	if motivo == "" {
		motivo = DefaultEndChatReason
	}
	r.log.Info("chat ended", "room_id", req.RoomID, "user_id", userID)
	r.broadcast(rm, EventChatEnded, chatEndedPayload{
		RoomID:   req.RoomID,
		UserID:   userID,
		UserName: userName,
		Motivo:   motivo,
	}, nil)
	return nil
}
