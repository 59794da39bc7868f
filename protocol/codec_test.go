package protocol_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/conduit/protocol"
)

func u32(v uint32) *uint32 { return &v }

var _ = Describe("Codec", func() {
	var (
		wire    *bytes.Buffer
		scratch *bytes.Buffer
		readBuf []byte
	)

	BeforeEach(func() {
		wire = &bytes.Buffer{}
		scratch = &bytes.Buffer{}
		readBuf = nil
	})

	roundTrip := func(env *protocol.Envelope) *protocol.Envelope {
		Expect(protocol.WriteMessage(wire, scratch, env)).To(Succeed())
		out, err := protocol.ReadMessage(wire, &readBuf)
		Expect(err).To(Succeed())
		return out
	}

	Describe("WriteMessage()", func() {
		It("prefixes the body with its little endian length", func() {
			env := &protocol.Envelope{ID: 1, Payload: &protocol.Ping{}}
			Expect(protocol.WriteMessage(wire, scratch, env)).To(Succeed())

			frame := wire.Bytes()
			Expect(len(frame)).To(BeNumerically(">", protocol.MessageLenSize))
			Expect(binary.LittleEndian.Uint32(frame[:4])).To(BeEquivalentTo(len(frame) - 4))
		})

		It("reuses the scratch buffer", func() {
			Expect(protocol.WriteMessage(wire, scratch, &protocol.Envelope{ID: 1, Payload: &protocol.ReadFile{Path: "/a/very/long/path/to/somewhere"}})).To(Succeed())
			first := scratch.Cap()
			Expect(protocol.WriteMessage(wire, scratch, &protocol.Envelope{ID: 2, Payload: &protocol.Ping{}})).To(Succeed())
			Expect(scratch.Cap()).To(Equal(first))
		})
	})

	Describe("round trips", func() {
		It("preserves every field of a request", func() {
			env := &protocol.Envelope{
				ID:      7,
				Payload: &protocol.WriteFile{Path: "/etc/hosts", Content: "abc\n", LineEnding: protocol.LineEndingWindows},
			}
			Expect(roundTrip(env)).To(Equal(env))
		})

		It("preserves response metadata and the original sender", func() {
			env := &protocol.Envelope{
				ID:               9,
				Payload:          &protocol.Error{Code: protocol.CodeNotFound, Tags: []string{"path"}, Message: "not found"},
				RespondingTo:     u32(3),
				ResponseData:     &protocol.ResponseData{RespondingTo: 3, IsLastMessage: true},
				OriginalSenderID: &protocol.PeerID{OwnerID: 1, ID: 2},
			}
			Expect(roundTrip(env)).To(Equal(env))
		})

		It("keeps absent optionals absent", func() {
			env := &protocol.Envelope{ID: 1, Payload: &protocol.Event{WatchID: 4}}
			out := roundTrip(env)
			Expect(out).To(Equal(env))
			Expect(out.RespondingTo).To(BeNil())
			Expect(out.ResponseData).To(BeNil())
			Expect(out.OriginalSenderID).To(BeNil())
		})

		It("preserves the one way mark", func() {
			env := &protocol.Envelope{ID: 2, Payload: &protocol.Event{WatchID: 4, Paths: []string{"/a"}}, OneWay: true}
			Expect(roundTrip(env)).To(Equal(env))
		})

		It("keeps a response id of zero", func() {
			env := &protocol.Envelope{ID: 1, Payload: &protocol.Pong{}, RespondingTo: u32(0)}
			Expect(roundTrip(env)).To(Equal(env))
		})

		It("round trips sentinels", func() {
			env := protocol.NewResponse(12, nil, false)
			env.ID = 5
			out := roundTrip(env)
			Expect(out).To(Equal(env))
			Expect(out.IsSentinel()).To(BeTrue())
		})

		It("round trips every payload variant", func() {
			payloads := []protocol.Payload{
				&protocol.Ping{},
				&protocol.Pong{},
				&protocol.Ack{},
				&protocol.Error{Message: "x", Tags: []string{}},
				&protocol.String{Value: "abc"},
				&protocol.ReadFile{Path: "/a"},
				&protocol.WriteFile{Path: "/a", Content: "b"},
				&protocol.ReadDir{Path: "/tmp"},
				&protocol.ReadLink{Path: "/l"},
				&protocol.Canonicalize{Path: "/c/../d"},
				&protocol.Stat{Path: "/s"},
				&protocol.Metadata{Inode: 42, MtimeMs: 1700000000000, IsSymlink: true, IsDir: true},
				&protocol.Watch{Path: "/w", LatencyMs: 100},
				&protocol.Event{WatchID: 3, Paths: []string{"/w/a", "/w/b"}},
				&protocol.Cancel{RequestID: 3},
				&protocol.Spawn{Command: "ls", Args: []string{"-l"}, Dir: "/tmp", Env: []string{"A=1"}},
				&protocol.ProcessEvent{Stdout: []byte("out"), Stderr: []byte("err")},
				&protocol.ProcessEvent{Exited: true, ExitCode: 3},
				&protocol.ProcessInput{RequestID: 4, Data: []byte("in"), Close: true},
			}

			for i, p := range payloads {
				env := &protocol.Envelope{ID: uint32(i + 1), Payload: p}
				Expect(roundTrip(env)).To(Equal(env), "payload %T", p)
			}
		})

		It("preserves frame order on the stream", func() {
			for i := uint32(1); i <= 5; i++ {
				Expect(protocol.WriteMessage(wire, scratch, &protocol.Envelope{ID: i, Payload: &protocol.Ping{}})).To(Succeed())
			}

			for i := uint32(1); i <= 5; i++ {
				env, err := protocol.ReadMessage(wire, &readBuf)
				Expect(err).To(Succeed())
				Expect(env.ID).To(Equal(i))
			}
		})
	})

	Describe("ReadMessage()", func() {
		It("decodes a zero length frame to an empty envelope", func() {
			wire.Write([]byte{0, 0, 0, 0})
			env, err := protocol.ReadMessage(wire, &readBuf)
			Expect(err).To(Succeed())
			Expect(env).To(Equal(&protocol.Envelope{}))
		})

		It("reports a clean end of stream as a transport error", func() {
			_, err := protocol.ReadMessage(wire, &readBuf)
			Expect(errors.Is(err, protocol.ErrTransport)).To(BeTrue())
			Expect(errors.Is(err, io.EOF)).To(BeTrue())
		})

		It("rejects a truncated header", func() {
			wire.Write([]byte{1, 0})
			_, err := protocol.ReadMessage(wire, &readBuf)
			Expect(errors.Is(err, protocol.ErrDecode)).To(BeTrue())
		})

		It("rejects a truncated body", func() {
			Expect(protocol.WriteMessage(wire, scratch, &protocol.Envelope{ID: 1, Payload: &protocol.String{Value: "hello world"}})).To(Succeed())
			frame := wire.Bytes()
			truncated := bytes.NewReader(frame[:len(frame)-3])

			_, err := protocol.ReadMessage(truncated, &readBuf)
			Expect(errors.Is(err, protocol.ErrDecode)).To(BeTrue())
		})

		It("rejects lengths above the maximum without reading the body", func() {
			header := make([]byte, 4)
			binary.LittleEndian.PutUint32(header, protocol.MaxMessageLen+1)
			wire.Write(header)

			_, err := protocol.ReadMessage(wire, &readBuf)
			Expect(err).To(MatchError(protocol.ErrMessageTooLarge))
			Expect(errors.Is(err, protocol.ErrDecode)).To(BeTrue())
			Expect(cap(readBuf)).To(BeNumerically("<", 1<<20))
		})

		It("rejects garbage bodies", func() {
			wire.Write([]byte{3, 0, 0, 0, 0xff, 0xff, 0xff})
			_, err := protocol.ReadMessage(wire, &readBuf)
			Expect(errors.Is(err, protocol.ErrDecode)).To(BeTrue())
		})

		It("rejects payloads without a known variant", func() {
			// {1: 1, 2: {99: {}}}
			body := []byte{0xa2, 0x01, 0x01, 0x02, 0xa1, 0x18, 0x63, 0xa0}
			header := make([]byte, 4)
			binary.LittleEndian.PutUint32(header, uint32(len(body)))
			wire.Write(header)
			wire.Write(body)

			_, err := protocol.ReadMessage(wire, &readBuf)
			Expect(errors.Is(err, protocol.ErrDecode)).To(BeTrue())
		})
	})
})
