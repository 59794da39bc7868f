package protocol

import "fmt"

// Kind identifies a payload variant.
type Kind uint8

const (
	KindNone Kind = iota
	KindPing
	KindPong
	KindAck
	KindError
	KindString
	KindReadFile
	KindWriteFile
	KindReadDir
	KindReadLink
	KindCanonicalize
	KindStat
	KindMetadata
	KindWatch
	KindEvent
	KindCancel
	KindSpawn
	KindProcessEvent
	KindProcessInput
)

var kindNames = [...]string{
	KindNone:         "None",
	KindPing:         "Ping",
	KindPong:         "Pong",
	KindAck:          "Ack",
	KindError:        "Error",
	KindString:       "String",
	KindReadFile:     "ReadFile",
	KindWriteFile:    "WriteFile",
	KindReadDir:      "ReadDir",
	KindReadLink:     "ReadLink",
	KindCanonicalize: "Canonicalize",
	KindStat:         "Stat",
	KindMetadata:     "Metadata",
	KindWatch:        "Watch",
	KindEvent:        "Event",
	KindCancel:       "Cancel",
	KindSpawn:        "Spawn",
	KindProcessEvent: "ProcessEvent",
	KindProcessInput: "ProcessInput",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}

	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Payload is a concrete message carried by an Envelope. Only the message
// types declared in this package implement it.
type Payload interface {
	Kind() Kind
	isPayload()
}

// RequestMessage is implemented by request payloads whose response is R.
type RequestMessage[R Payload] interface {
	Payload
	respondsWith(R)
}

// EntityMessage is implemented by payloads that concern one remote entity,
// such as a single watch.
type EntityMessage interface {
	Payload
	RemoteEntityID() uint64
}

type LineEnding uint8

const (
	LineEndingUnix LineEnding = iota
	LineEndingWindows
)

// ErrorCode classifies an Error payload.
type ErrorCode uint32

const (
	CodeInternal ErrorCode = iota
	CodeUnhandled
	CodeNotFound
	CodeInvalid
	CodeCancelled
)

type Ping struct{}

type Pong struct{}

// Ack acknowledges a request that has nothing else to return.
type Ack struct{}

type Error struct {
	Code    ErrorCode `cbor:"1,keyasint"`
	Tags    []string  `cbor:"2,keyasint"`
	Message string    `cbor:"3,keyasint"`
}

type String struct {
	Value string `cbor:"1,keyasint"`
}

type ReadFile struct {
	Path string `cbor:"1,keyasint"`
}

type WriteFile struct {
	Path       string     `cbor:"1,keyasint"`
	Content    string     `cbor:"2,keyasint"`
	LineEnding LineEnding `cbor:"3,keyasint"`
}

type ReadDir struct {
	Path string `cbor:"1,keyasint"`
}

type ReadLink struct {
	Path string `cbor:"1,keyasint"`
}

type Canonicalize struct {
	Path string `cbor:"1,keyasint"`
}

type Stat struct {
	Path string `cbor:"1,keyasint"`
}

type Metadata struct {
	Inode     uint64 `cbor:"1,keyasint"`
	MtimeMs   uint64 `cbor:"2,keyasint"`
	IsSymlink bool   `cbor:"3,keyasint"`
	IsDir     bool   `cbor:"4,keyasint"`
}

type Watch struct {
	Path      string `cbor:"1,keyasint"`
	LatencyMs uint64 `cbor:"2,keyasint"`
}

// Event is one batch of changed paths for the watch started by the request
// with id WatchID.
type Event struct {
	WatchID uint32   `cbor:"1,keyasint"`
	Paths   []string `cbor:"2,keyasint"`
}

// Cancel asks the peer to stop streaming responses to RequestID.
type Cancel struct {
	RequestID uint32 `cbor:"1,keyasint"`
}

// Spawn starts a process on the peer. Its output and exit status come back
// as a stream of ProcessEvents, cancelling the request kills the process.
type Spawn struct {
	Command string   `cbor:"1,keyasint"`
	Args    []string `cbor:"2,keyasint"`
	Dir     string   `cbor:"3,keyasint"`
	Env     []string `cbor:"4,keyasint"`
}

// ProcessEvent is a chunk of output from a spawned process, or its exit
// status when Exited is set. The exit status is always the last event.
type ProcessEvent struct {
	Stdout   []byte `cbor:"1,keyasint,omitempty"`
	Stderr   []byte `cbor:"2,keyasint,omitempty"`
	Exited   bool   `cbor:"3,keyasint"`
	ExitCode int32  `cbor:"4,keyasint"`
}

// ProcessInput writes Data to the stdin of the process started by the
// request with id RequestID, then closes stdin if Close is set.
type ProcessInput struct {
	RequestID uint32 `cbor:"1,keyasint"`
	Data      []byte `cbor:"2,keyasint,omitempty"`
	Close     bool   `cbor:"3,keyasint"`
}

func (*Ping) Kind() Kind         { return KindPing }
func (*Pong) Kind() Kind         { return KindPong }
func (*Ack) Kind() Kind          { return KindAck }
func (*Error) Kind() Kind        { return KindError }
func (*String) Kind() Kind       { return KindString }
func (*ReadFile) Kind() Kind     { return KindReadFile }
func (*WriteFile) Kind() Kind    { return KindWriteFile }
func (*ReadDir) Kind() Kind      { return KindReadDir }
func (*ReadLink) Kind() Kind     { return KindReadLink }
func (*Canonicalize) Kind() Kind { return KindCanonicalize }
func (*Stat) Kind() Kind         { return KindStat }
func (*Metadata) Kind() Kind     { return KindMetadata }
func (*Watch) Kind() Kind        { return KindWatch }
func (*Event) Kind() Kind        { return KindEvent }
func (*Cancel) Kind() Kind       { return KindCancel }
func (*Spawn) Kind() Kind        { return KindSpawn }
func (*ProcessEvent) Kind() Kind { return KindProcessEvent }
func (*ProcessInput) Kind() Kind { return KindProcessInput }

func (*Ping) isPayload()         {}
func (*Pong) isPayload()         {}
func (*Ack) isPayload()          {}
func (*Error) isPayload()        {}
func (*String) isPayload()       {}
func (*ReadFile) isPayload()     {}
func (*WriteFile) isPayload()    {}
func (*ReadDir) isPayload()      {}
func (*ReadLink) isPayload()     {}
func (*Canonicalize) isPayload() {}
func (*Stat) isPayload()         {}
func (*Metadata) isPayload()     {}
func (*Watch) isPayload()        {}
func (*Event) isPayload()        {}
func (*Cancel) isPayload()       {}
func (*Spawn) isPayload()        {}
func (*ProcessEvent) isPayload() {}
func (*ProcessInput) isPayload() {}

// Request/response pairs.
func (*Ping) respondsWith(*Pong)           {}
func (*ReadFile) respondsWith(*String)     {}
func (*WriteFile) respondsWith(*Ack)       {}
func (*ReadDir) respondsWith(*String)      {}
func (*ReadLink) respondsWith(*String)     {}
func (*Canonicalize) respondsWith(*String) {}
func (*Stat) respondsWith(*Metadata)       {}
func (*Watch) respondsWith(*Event)         {}
func (*Cancel) respondsWith(*Ack)          {}
func (*Spawn) respondsWith(*ProcessEvent)  {}
func (*ProcessInput) respondsWith(*Ack)    {}

func (e *Event) RemoteEntityID() uint64        { return uint64(e.WatchID) }
func (c *Cancel) RemoteEntityID() uint64       { return uint64(c.RequestID) }
func (i *ProcessInput) RemoteEntityID() uint64 { return uint64(i.RequestID) }

var (
	_ RequestMessage[*Pong]         = (*Ping)(nil)
	_ RequestMessage[*String]       = (*ReadFile)(nil)
	_ RequestMessage[*Ack]          = (*WriteFile)(nil)
	_ RequestMessage[*String]       = (*ReadDir)(nil)
	_ RequestMessage[*String]       = (*ReadLink)(nil)
	_ RequestMessage[*String]       = (*Canonicalize)(nil)
	_ RequestMessage[*Metadata]     = (*Stat)(nil)
	_ RequestMessage[*Event]        = (*Watch)(nil)
	_ RequestMessage[*Ack]          = (*Cancel)(nil)
	_ RequestMessage[*ProcessEvent] = (*Spawn)(nil)
	_ RequestMessage[*Ack]          = (*ProcessInput)(nil)

	_ EntityMessage = (*Event)(nil)
	_ EntityMessage = (*Cancel)(nil)
	_ EntityMessage = (*ProcessInput)(nil)
)
