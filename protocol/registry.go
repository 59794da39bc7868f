package protocol

import "fmt"

// Priority decides how urgently a message is handled.
type Priority uint8

const (
	Foreground Priority = iota
	Background
)

func (p Priority) String() string {
	if p == Background {
		return "background"
	}

	return "foreground"
}

// MessageInfo describes one payload variant.
type MessageInfo struct {
	Kind     Kind
	Name     string
	Priority Priority

	// Response is the kind answering this message, KindNone for messages
	// that are not requests.
	Response Kind

	// Streaming is true when the response is a sequence of messages.
	Streaming bool
}

// IsRequest reports whether the message expects a response.
func (m MessageInfo) IsRequest() bool {
	return m.Response != KindNone
}

// Registry maps payload variants to their metadata. It is built once and
// then only read, so it is safe for concurrent use after construction.
type Registry struct {
	byKind map[Kind]MessageInfo
	byName map[string]Kind
}

func NewRegistry() *Registry {
	return &Registry{
		byKind: make(map[Kind]MessageInfo),
		byName: make(map[string]Kind),
	}
}

// DefaultRegistry returns a registry describing the whole message catalogue.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(MessageInfo{Kind: KindPing, Name: "Ping", Response: KindPong})
	r.Register(MessageInfo{Kind: KindPong, Name: "Pong"})
	r.Register(MessageInfo{Kind: KindAck, Name: "Ack"})
	r.Register(MessageInfo{Kind: KindError, Name: "Error"})
	r.Register(MessageInfo{Kind: KindString, Name: "String"})
	r.Register(MessageInfo{Kind: KindReadFile, Name: "ReadFile", Response: KindString})
	r.Register(MessageInfo{Kind: KindWriteFile, Name: "WriteFile", Response: KindAck})
	r.Register(MessageInfo{Kind: KindReadDir, Name: "ReadDir", Priority: Background, Response: KindString, Streaming: true})
	r.Register(MessageInfo{Kind: KindReadLink, Name: "ReadLink", Response: KindString})
	r.Register(MessageInfo{Kind: KindCanonicalize, Name: "Canonicalize", Response: KindString})
	r.Register(MessageInfo{Kind: KindStat, Name: "Stat", Response: KindMetadata})
	r.Register(MessageInfo{Kind: KindMetadata, Name: "Metadata"})
	r.Register(MessageInfo{Kind: KindWatch, Name: "Watch", Priority: Background, Response: KindEvent, Streaming: true})
	r.Register(MessageInfo{Kind: KindEvent, Name: "Event", Priority: Background})
	r.Register(MessageInfo{Kind: KindCancel, Name: "Cancel", Response: KindAck})
	r.Register(MessageInfo{Kind: KindSpawn, Name: "Spawn", Priority: Background, Response: KindProcessEvent, Streaming: true})
	r.Register(MessageInfo{Kind: KindProcessEvent, Name: "ProcessEvent", Priority: Background})
	r.Register(MessageInfo{Kind: KindProcessInput, Name: "ProcessInput", Response: KindAck})

	return r
}

// Register adds a variant. Registering the same kind or name twice is a
// programming error and panics.
func (r *Registry) Register(info MessageInfo) {
	if info.Kind == KindNone {
		panic("protocol.Registry: cannot register KindNone")
	}

	if _, exists := r.byKind[info.Kind]; exists {
		panic(fmt.Sprintf("protocol.Registry: duplicate registration for kind %s", info.Kind))
	}

	if info.Name == "" {
		info.Name = info.Kind.String()
	}

	if _, exists := r.byName[info.Name]; exists {
		panic(fmt.Sprintf("protocol.Registry: duplicate registration for name %q", info.Name))
	}

	r.byKind[info.Kind] = info
	r.byName[info.Name] = info.Kind
}

func (r *Registry) Lookup(k Kind) (MessageInfo, bool) {
	info, ok := r.byKind[k]
	return info, ok
}

func (r *Registry) LookupName(name string) (MessageInfo, bool) {
	k, ok := r.byName[name]
	if !ok {
		return MessageInfo{}, false
	}

	return r.byKind[k], true
}

// Name returns the registered name of the payload, or its kind when the
// payload was never registered. A nil payload is a sentinel.
func (r *Registry) Name(p Payload) string {
	if p == nil {
		return "Sentinel"
	}

	if info, ok := r.byKind[p.Kind()]; ok {
		return info.Name
	}

	return p.Kind().String()
}

func (r *Registry) Priority(p Payload) Priority {
	if p == nil {
		return Foreground
	}

	return r.byKind[p.Kind()].Priority
}

// EntityID returns the remote entity a payload concerns.
func (r *Registry) EntityID(p Payload) (uint64, bool) {
	if m, ok := p.(EntityMessage); ok {
		return m.RemoteEntityID(), true
	}

	return 0, false
}

// Len returns the number of registered variants.
func (r *Registry) Len() int {
	return len(r.byKind)
}
