package core

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Kind tags a signaling envelope. Payload shape is fixed per kind.
type Kind string

const (
	KindAnnounce  Kind = "announce"
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindLeave     Kind = "leave"
)

// Announce is the payload of a presence announcement. Restart names peers
// whose existing sessions with the announcer are stale and must be renegotiated.
type Announce struct {
	Restart []domain.ParticipantID `json:"restart,omitempty" msgpack:"restart,omitempty"`
}

// Envelope is a transient signaling message. Exactly one payload field is set,
// matching Kind; announce may carry a nil Announce and leave carries none.
type Envelope struct {
	ID   string
	Kind Kind
	From domain.ParticipantID
	To   domain.ParticipantID
	// Session is the sender's peer session id (offer, answer, candidate).
	Session string
	// Target is the recipient's peer session id when the sender knows it.
	Target string

	Announce    *Announce
	Description *webrtc.SessionDescription
	Candidate   *webrtc.ICECandidateInit
}

func NewAnnounce(restart ...domain.ParticipantID) Envelope {
	env := Envelope{Kind: KindAnnounce}
	if len(restart) > 0 {
		env.Announce = &Announce{Restart: restart}
	}
	return env
}

func NewLeave() Envelope {
	return Envelope{Kind: KindLeave}
}

func NewOffer(to domain.ParticipantID, session string, desc webrtc.SessionDescription) Envelope {
	return Envelope{Kind: KindOffer, To: to, Session: session, Description: &desc}
}

func NewAnswer(to domain.ParticipantID, session, target string, desc webrtc.SessionDescription) Envelope {
	return Envelope{Kind: KindAnswer, To: to, Session: session, Target: target, Description: &desc}
}

func NewCandidate(to domain.ParticipantID, session, target string, c webrtc.ICECandidateInit) Envelope {
	return Envelope{Kind: KindCandidate, To: to, Session: session, Target: target, Candidate: &c}
}

// Restarts reports whether the announce asks pid to renegotiate.
func (e Envelope) Restarts(pid domain.ParticipantID) bool {
	if e.Kind != KindAnnounce || e.Announce == nil {
		return false
	}
	for _, r := range e.Announce.Restart {
		if r == pid {
			return true
		}
	}
	return false
}

// Validate rejects envelopes whose addressing or payload does not fit the kind.
func (e Envelope) Validate() error {
	if e.From == "" {
		return fmt.Errorf("%w: missing sender", ErrMalformedEnvelope)
	}
	switch e.Kind {
	case KindAnnounce, KindLeave:
		if e.To != "" {
			return fmt.Errorf("%w: %s must be broadcast", ErrMalformedEnvelope, e.Kind)
		}
		if e.Description != nil || e.Candidate != nil || (e.Kind == KindLeave && e.Announce != nil) {
			return fmt.Errorf("%w: unexpected payload on %s", ErrMalformedEnvelope, e.Kind)
		}
	case KindOffer, KindAnswer:
		if e.To == "" || e.Session == "" {
			return fmt.Errorf("%w: %s needs recipient and session", ErrMalformedEnvelope, e.Kind)
		}
		if e.Description == nil || e.Description.SDP == "" {
			return fmt.Errorf("%w: %s without description", ErrMalformedEnvelope, e.Kind)
		}
		want := webrtc.SDPTypeOffer
		if e.Kind == KindAnswer {
			want = webrtc.SDPTypeAnswer
		}
		if e.Description.Type != want {
			return fmt.Errorf("%w: %s carries %s description", ErrMalformedEnvelope, e.Kind, e.Description.Type)
		}
	case KindCandidate:
		if e.To == "" || e.Session == "" {
			return fmt.Errorf("%w: candidate needs recipient and session", ErrMalformedEnvelope)
		}
		if e.Candidate == nil || e.Candidate.Candidate == "" {
			return fmt.Errorf("%w: empty candidate", ErrMalformedEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, e.Kind)
	}
	return nil
}

// Wire is the serialized envelope shape shared by every bus codec.
type Wire struct {
	ID      string               `json:"id,omitempty" msgpack:"id,omitempty"`
	Type    Kind                 `json:"type" msgpack:"type"`
	From    domain.ParticipantID `json:"from" msgpack:"from"`
	To      domain.ParticipantID `json:"to,omitempty" msgpack:"to,omitempty"`
	Session string               `json:"session,omitempty" msgpack:"session,omitempty"`
	Target  string               `json:"target,omitempty" msgpack:"target,omitempty"`
	Payload json.RawMessage      `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

func (e Envelope) Wire() (Wire, error) {
	w := Wire{
		ID:      e.ID,
		Type:    e.Kind,
		From:    e.From,
		To:      e.To,
		Session: e.Session,
		Target:  e.Target,
	}
	var payload any
	switch {
	case e.Announce != nil:
		payload = e.Announce
	case e.Description != nil:
		payload = e.Description
	case e.Candidate != nil:
		payload = e.Candidate
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Wire{}, fmt.Errorf("marshal %s payload: %w", e.Kind, err)
		}
		w.Payload = b
	}
	return w, nil
}

// Envelope parses the payload for the wire type and validates the result.
func (w Wire) Envelope() (Envelope, error) {
	e := Envelope{
		ID:      w.ID,
		Kind:    w.Type,
		From:    w.From,
		To:      w.To,
		Session: w.Session,
		Target:  w.Target,
	}
	hasPayload := len(w.Payload) > 0 && string(w.Payload) != "null"
	switch w.Type {
	case KindAnnounce:
		if hasPayload {
			var a Announce
			if err := json.Unmarshal(w.Payload, &a); err != nil {
				return Envelope{}, fmt.Errorf("%w: announce payload: %v", ErrMalformedEnvelope, err)
			}
			e.Announce = &a
		}
	case KindOffer, KindAnswer:
		if !hasPayload {
			return Envelope{}, fmt.Errorf("%w: %s without payload", ErrMalformedEnvelope, w.Type)
		}
		var d webrtc.SessionDescription
		if err := json.Unmarshal(w.Payload, &d); err != nil {
			return Envelope{}, fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, w.Type, err)
		}
		e.Description = &d
	case KindCandidate:
		if !hasPayload {
			return Envelope{}, fmt.Errorf("%w: candidate without payload", ErrMalformedEnvelope)
		}
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(w.Payload, &c); err != nil {
			return Envelope{}, fmt.Errorf("%w: candidate payload: %v", ErrMalformedEnvelope, err)
		}
		e.Candidate = &c
	case KindLeave:
		if hasPayload {
			return Envelope{}, fmt.Errorf("%w: leave carries payload", ErrMalformedEnvelope)
		}
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	w, err := e.Wire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w Wire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	parsed, err := w.Envelope()
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// DecodeEnvelope parses a JSON frame received from the network.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var w Wire
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return w.Envelope()
}
