package protocol

import (
	"fmt"
)

// Envelope is the unit of wire transfer.
type Envelope struct {
	ID               uint32
	Payload          Payload
	RespondingTo     *uint32
	ResponseData     *ResponseData
	OriginalSenderID *PeerID

	// OneWay is set on messages sent without waiting for a response. The
	// receiver never answers them.
	OneWay bool
}

// ResponseData marks an envelope as a response and says whether more
// responses to the same request will follow.
type ResponseData struct {
	RespondingTo  uint32 `cbor:"1,keyasint"`
	IsLastMessage bool   `cbor:"2,keyasint"`
}

// PeerID identifies the connection a relayed envelope originally came from.
type PeerID struct {
	OwnerID uint32 `cbor:"1,keyasint"`
	ID      uint32 `cbor:"2,keyasint"`
}

func (p PeerID) String() string {
	return fmt.Sprintf("%d/%d", p.OwnerID, p.ID)
}

// ResponseID returns the id of the request this envelope answers, if any.
func (e *Envelope) ResponseID() (uint32, bool) {
	if e.RespondingTo != nil {
		return *e.RespondingTo, true
	}

	if e.ResponseData != nil {
		return e.ResponseData.RespondingTo, true
	}

	return 0, false
}

// IsSentinel reports whether the envelope terminates a response stream.
func (e *Envelope) IsSentinel() bool {
	_, ok := e.ResponseID()
	return ok && e.Payload == nil
}

// IsLast reports whether no further responses will follow this one.
func (e *Envelope) IsLast() bool {
	if e.Payload == nil {
		return true
	}

	return e.ResponseData != nil && e.ResponseData.IsLastMessage
}

// NewResponse builds an envelope answering requestID. A nil payload builds
// the sentinel.
func NewResponse(requestID uint32, payload Payload, last bool) *Envelope {
	id := requestID
	return &Envelope{
		Payload:      payload,
		RespondingTo: &id,
		ResponseData: &ResponseData{
			RespondingTo:  requestID,
			IsLastMessage: last || payload == nil,
		},
	}
}

type wireEnvelope struct {
	ID               uint32        `cbor:"1,keyasint"`
	Payload          *wirePayload  `cbor:"2,keyasint,omitempty"`
	RespondingTo     *uint32       `cbor:"3,keyasint,omitempty"`
	ResponseData     *ResponseData `cbor:"4,keyasint,omitempty"`
	OriginalSenderID *PeerID       `cbor:"5,keyasint,omitempty"`
	OneWay           bool          `cbor:"6,keyasint,omitempty"`
}

// wirePayload is the oneof encoding of a Payload. Exactly one field is set.
type wirePayload struct {
	Ping         *Ping         `cbor:"1,keyasint,omitempty"`
	Pong         *Pong         `cbor:"2,keyasint,omitempty"`
	Ack          *Ack          `cbor:"3,keyasint,omitempty"`
	Error        *Error        `cbor:"4,keyasint,omitempty"`
	String       *String       `cbor:"5,keyasint,omitempty"`
	ReadFile     *ReadFile     `cbor:"6,keyasint,omitempty"`
	WriteFile    *WriteFile    `cbor:"7,keyasint,omitempty"`
	ReadDir      *ReadDir      `cbor:"8,keyasint,omitempty"`
	ReadLink     *ReadLink     `cbor:"9,keyasint,omitempty"`
	Canonicalize *Canonicalize `cbor:"10,keyasint,omitempty"`
	Stat         *Stat         `cbor:"11,keyasint,omitempty"`
	Metadata     *Metadata     `cbor:"12,keyasint,omitempty"`
	Watch        *Watch        `cbor:"13,keyasint,omitempty"`
	Event        *Event        `cbor:"14,keyasint,omitempty"`
	Cancel       *Cancel       `cbor:"15,keyasint,omitempty"`
	Spawn        *Spawn        `cbor:"16,keyasint,omitempty"`
	ProcessEvent *ProcessEvent `cbor:"17,keyasint,omitempty"`
	ProcessInput *ProcessInput `cbor:"18,keyasint,omitempty"`
}

func toWire(e *Envelope) (*wireEnvelope, error) {
	w := &wireEnvelope{
		ID:               e.ID,
		RespondingTo:     e.RespondingTo,
		ResponseData:     e.ResponseData,
		OriginalSenderID: e.OriginalSenderID,
		OneWay:           e.OneWay,
	}

	if e.Payload == nil {
		return w, nil
	}

	p := &wirePayload{}
	switch m := e.Payload.(type) {
	case *Ping:
		p.Ping = m
	case *Pong:
		p.Pong = m
	case *Ack:
		p.Ack = m
	case *Error:
		p.Error = m
	case *String:
		p.String = m
	case *ReadFile:
		p.ReadFile = m
	case *WriteFile:
		p.WriteFile = m
	case *ReadDir:
		p.ReadDir = m
	case *ReadLink:
		p.ReadLink = m
	case *Canonicalize:
		p.Canonicalize = m
	case *Stat:
		p.Stat = m
	case *Metadata:
		p.Metadata = m
	case *Watch:
		p.Watch = m
	case *Event:
		p.Event = m
	case *Cancel:
		p.Cancel = m
	case *Spawn:
		p.Spawn = m
	case *ProcessEvent:
		p.ProcessEvent = m
	case *ProcessInput:
		p.ProcessInput = m
	default:
		return nil, fmt.Errorf("cannot encode payload %T", e.Payload)
	}

	w.Payload = p
	return w, nil
}

func fromWire(w *wireEnvelope) (*Envelope, error) {
	e := &Envelope{
		ID:               w.ID,
		RespondingTo:     w.RespondingTo,
		ResponseData:     w.ResponseData,
		OriginalSenderID: w.OriginalSenderID,
		OneWay:           w.OneWay,
	}

	if w.Payload == nil {
		return e, nil
	}

	var set []Payload
	p := w.Payload
	if p.Ping != nil {
		set = append(set, p.Ping)
	}
	if p.Pong != nil {
		set = append(set, p.Pong)
	}
	if p.Ack != nil {
		set = append(set, p.Ack)
	}
	if p.Error != nil {
		set = append(set, p.Error)
	}
	if p.String != nil {
		set = append(set, p.String)
	}
	if p.ReadFile != nil {
		set = append(set, p.ReadFile)
	}
	if p.WriteFile != nil {
		set = append(set, p.WriteFile)
	}
	if p.ReadDir != nil {
		set = append(set, p.ReadDir)
	}
	if p.ReadLink != nil {
		set = append(set, p.ReadLink)
	}
	if p.Canonicalize != nil {
		set = append(set, p.Canonicalize)
	}
	if p.Stat != nil {
		set = append(set, p.Stat)
	}
	if p.Metadata != nil {
		set = append(set, p.Metadata)
	}
	if p.Watch != nil {
		set = append(set, p.Watch)
	}
	if p.Event != nil {
		set = append(set, p.Event)
	}
	if p.Cancel != nil {
		set = append(set, p.Cancel)
	}
	if p.Spawn != nil {
		set = append(set, p.Spawn)
	}
	if p.ProcessEvent != nil {
		set = append(set, p.ProcessEvent)
	}
	if p.ProcessInput != nil {
		set = append(set, p.ProcessInput)
	}

	if len(set) != 1 {
		return nil, fmt.Errorf("%w: payload carries %d variants", ErrDecode, len(set))
	}

	e.Payload = set[0]
	return e, nil
}
