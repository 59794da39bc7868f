package protocol_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/conduit/protocol"
)

var _ = Describe("Registry", func() {
	It("describes the whole catalogue", func() {
		r := protocol.DefaultRegistry()

		for k := protocol.KindPing; k <= protocol.KindProcessInput; k++ {
			info, ok := r.Lookup(k)
			Expect(ok).To(BeTrue(), "kind %s", k)
			Expect(info.Name).To(Equal(k.String()))
		}

		Expect(r.Len()).To(Equal(int(protocol.KindProcessInput)))
	})

	It("pairs requests with their responses", func() {
		r := protocol.DefaultRegistry()

		info, ok := r.Lookup(protocol.KindReadFile)
		Expect(ok).To(BeTrue())
		Expect(info.IsRequest()).To(BeTrue())
		Expect(info.Response).To(Equal(protocol.KindString))

		info, _ = r.Lookup(protocol.KindWatch)
		Expect(info.Streaming).To(BeTrue())
		Expect(info.Priority).To(Equal(protocol.Background))

		info, _ = r.Lookup(protocol.KindPong)
		Expect(info.IsRequest()).To(BeFalse())
	})

	It("names payloads and sentinels", func() {
		r := protocol.DefaultRegistry()
		Expect(r.Name(&protocol.Stat{})).To(Equal("Stat"))
		Expect(r.Name(nil)).To(Equal("Sentinel"))
	})

	It("falls back to the kind name for unregistered payloads", func() {
		r := protocol.NewRegistry()
		Expect(r.Name(&protocol.Ping{})).To(Equal("Ping"))
		Expect(r.Priority(&protocol.Ping{})).To(Equal(protocol.Foreground))
	})

	It("looks variants up by name", func() {
		r := protocol.DefaultRegistry()
		info, ok := r.LookupName("Canonicalize")
		Expect(ok).To(BeTrue())
		Expect(info.Kind).To(Equal(protocol.KindCanonicalize))

		_, ok = r.LookupName("Nope")
		Expect(ok).To(BeFalse())
	})

	It("exposes entity ids of entity scoped messages", func() {
		r := protocol.DefaultRegistry()

		id, ok := r.EntityID(&protocol.Event{WatchID: 9})
		Expect(ok).To(BeTrue())
		Expect(id).To(BeEquivalentTo(9))

		_, ok = r.EntityID(&protocol.Ping{})
		Expect(ok).To(BeFalse())
	})

	It("panics on duplicate registrations", func() {
		r := protocol.NewRegistry()
		r.Register(protocol.MessageInfo{Kind: protocol.KindPing, Name: "Ping"})

		Expect(func() {
			r.Register(protocol.MessageInfo{Kind: protocol.KindPing, Name: "Other"})
		}).To(Panic())

		Expect(func() {
			r.Register(protocol.MessageInfo{Kind: protocol.KindPong, Name: "Ping"})
		}).To(Panic())
	})

	It("gives every registry its own state", func() {
		a := protocol.NewRegistry()
		b := protocol.NewRegistry()
		a.Register(protocol.MessageInfo{Kind: protocol.KindPing})

		Expect(a.Len()).To(Equal(1))
		Expect(b.Len()).To(Equal(0))
	})
})
