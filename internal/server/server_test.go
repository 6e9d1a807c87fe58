package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/opennhrp/nhrpd/internal/events"
	"github.com/opennhrp/nhrpd/internal/kernel"
	"github.com/opennhrp/nhrpd/internal/loop"
	"github.com/opennhrp/nhrpd/internal/packet"
	"github.com/opennhrp/nhrpd/internal/peer"
	"github.com/opennhrp/nhrpd/internal/pending"
	"github.com/opennhrp/nhrpd/internal/script"
)

func addr(a, b, c, d byte) peer.Address {
	return peer.Address{AFNum: 1, Bytes: []byte{a, b, c, d}}
}

type staticPaths struct{ path string }

func (p staticPaths) PeerRegisterScript(*peer.Interface) string { return p.path }

func writeExitScript(t *testing.T, code int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "peer-register.sh")
	body := fmt.Sprintf("#!/bin/sh\nexit %d\n", code)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	return path
}

// harness bundles a running Server + its event loop for a test.
type harness struct {
	t       *testing.T
	cache   *peer.Cache
	pending *pending.Table
	codec   *packet.MemCodec
	router  *recordingRouter
	bus     *events.Bus
	loop    *loop.Loop
	srv     *Server
	cancel  context.CancelFunc
}

var _ kernel.Router = (*recordingRouter)(nil)

type recordingRouter struct {
	routed  int
	removed int
}

func (r *recordingRouter) Route(*peer.Interface, peer.Address, uint8, peer.Address) error {
	r.routed++
	return nil
}
func (r *recordingRouter) RemoveRoute(*peer.Interface, peer.Address, uint8) error {
	r.removed++
	return nil
}
func (r *recordingRouter) Send(*peer.Interface, peer.Address, []byte) error { return nil }

func newHarness(t *testing.T, scriptPath string) *harness {
	t.Helper()
	log := zap.NewNop()
	cache := peer.NewCache(log, nil)
	tbl := pending.NewTable()
	runner := script.NewRunner(log, 2*time.Second)
	codec := packet.NewMemCodec()
	router := &recordingRouter{}
	lp := loop.New(log)
	bus := events.NewBus(nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { lp.Run(ctx) }()

	srv := New(log, cache, tbl, runner, codec, router, lp, bus, staticPaths{path: scriptPath}, "test-instance")

	return &harness{t: t, cache: cache, pending: tbl, codec: codec, router: router, bus: bus, loop: lp, srv: srv, cancel: cancel}
}

func (h *harness) close() { h.cancel() }

// dispatchSync posts p to the codec and blocks until the handler has run
// to completion. Safe for Resolution/Purge, which are fully synchronous;
// Registration handling only reaches the point of spawning its script
// before this returns.
func (h *harness) dispatchSync(p *packet.Packet) {
	h.call(func() { h.codec.Dispatch(p) })
}

// call runs fn on the event loop goroutine and blocks until it completes,
// establishing a happens-before edge so the caller may safely read
// whatever fn captured into its closure once call returns.
func (h *harness) call(fn func()) {
	done := make(chan struct{})
	h.loop.Post(func() {
		fn()
		close(done)
	})
	<-done
}

// waitUntil polls check (run on the event loop goroutine, never the test
// goroutine) until it reports true or the timeout elapses.
func (h *harness) waitUntil(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var ok bool
		h.call(func() { ok = check() })
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestResolutionRequestSimple(t *testing.T) {
	h := newHarness(t, "")
	defer h.close()

	iface := &peer.Interface{Name: "gre0", ProtocolAddress: addr(10, 0, 0, 254)}
	up := peer.NewPeer(iface)
	up.Type = peer.Static
	up.ProtocolAddress = addr(10, 0, 0, 1)
	up.PrefixLength = 32
	up.NextHopAddress = addr(192, 0, 2, 1)
	up.Flags |= peer.FlagUp
	h.cache.Insert(up)

	req := packet.NewPacket()
	req.Type = packet.TypeResolutionRequest
	req.Interface = iface
	req.SrcProtocol = addr(10, 0, 0, 2)
	req.DstProtocol = addr(10, 0, 0, 1)

	h.dispatchSync(req)

	if len(h.codec.Sent) != 1 {
		t.Fatalf("expected one reply sent, got %d", len(h.codec.Sent))
	}
	reply := h.codec.Sent[0]
	if reply.Type != packet.TypeResolutionReply {
		t.Fatalf("expected resolution reply type, got %v", reply.Type)
	}
	if len(reply.CIEs) != 1 {
		t.Fatalf("expected one CIE, got %d", len(reply.CIEs))
	}
	cie := reply.CIEs[0]
	if cie.Code != packet.CodeSuccess {
		t.Fatalf("expected success code, got %d", cie.Code)
	}
	if cie.PrefixLength != 32 {
		t.Fatalf("expected prefix 32, got %d", cie.PrefixLength)
	}
	if !cie.NBMAAddress.Equal(addr(192, 0, 2, 1)) {
		t.Fatalf("expected nbma 192.0.2.1, got %v", cie.NBMAAddress)
	}
}

func TestResolutionRequestNoRoute(t *testing.T) {
	h := newHarness(t, "")
	defer h.close()

	req := packet.NewPacket()
	req.Type = packet.TypeResolutionRequest
	req.DstProtocol = addr(10, 0, 0, 99)

	h.dispatchSync(req)

	if len(h.codec.Sent) != 0 {
		t.Fatalf("expected packet dropped without reply, got %d sent", len(h.codec.Sent))
	}
}

func TestRegistrationFreshSuccess(t *testing.T) {
	scriptPath := writeExitScript(t, 0)
	h := newHarness(t, scriptPath)
	defer h.close()

	iface := &peer.Interface{Name: "gre0", ProtocolAddress: addr(10, 0, 0, 254)}

	req := packet.NewPacket()
	req.Type = packet.TypeRegistrationReq
	req.Interface = iface
	req.SrcProtocol = addr(10, 0, 0, 2)
	req.SrcNBMA = addr(192, 0, 2, 2)
	req.SrcLinkLayer = addr(192, 0, 2, 2)
	req.DstProtocol = addr(10, 0, 0, 254)
	req.CIEs = []packet.CIE{{PrefixLength: peer.FullPrefixLength, HoldingTime: 7200}}

	h.call(func() { h.codec.Dispatch(req) })

	h.waitUntil(t, 2*time.Second, func() bool {
		return h.cache.Len() == 1 && len(h.codec.Sent) == 1
	})

	var peerCount, pendingLen int
	var replyCode uint8
	h.call(func() {
		peerCount = h.cache.Len()
		pendingLen = h.pending.Len()
		replyCode = h.codec.Sent[0].CIEs[0].Code
	})

	if peerCount != 1 {
		t.Fatalf("expected one peer inserted, got %d", peerCount)
	}
	if replyCode != packet.CodeSuccess {
		t.Fatalf("expected success code, got %d", replyCode)
	}
	if pendingLen != 0 {
		t.Fatalf("expected pending table drained, got %d", pendingLen)
	}
}

func TestRegistrationNATDetected(t *testing.T) {
	scriptPath := writeExitScript(t, 0)
	h := newHarness(t, scriptPath)
	defer h.close()

	iface := &peer.Interface{Name: "gre0", ProtocolAddress: addr(10, 0, 0, 254)}

	req := packet.NewPacket()
	req.Type = packet.TypeRegistrationReq
	req.Interface = iface
	req.SrcProtocol = addr(10, 0, 0, 2)
	req.SrcNBMA = addr(192, 0, 2, 2)
	req.SrcLinkLayer = addr(198, 51, 100, 9)
	req.DstProtocol = addr(10, 0, 0, 254)
	req.CIEs = []packet.CIE{{PrefixLength: peer.FullPrefixLength, HoldingTime: 7200}}
	req.SetExtension(packet.ExtForwardTransitNHS, nil)

	h.call(func() { h.codec.Dispatch(req) })

	h.waitUntil(t, 2*time.Second, func() bool { return h.cache.Len() == 1 })

	var nextHop, natOA peer.Address
	var natCIEs int
	h.call(func() {
		h.cache.Foreach(peer.Selector{}, func(p *peer.Peer) {
			nextHop = p.NextHopAddress
			natOA = p.NextHopNatOA
		})
		if ext := req.Extension(packet.ExtNATAddress); ext != nil {
			natCIEs = len(ext.CIEs)
		}
	})

	if !nextHop.Equal(addr(198, 51, 100, 9)) {
		t.Fatalf("expected next hop to be the link-layer source, got %v", nextHop)
	}
	if !natOA.Equal(addr(192, 0, 2, 2)) {
		t.Fatalf("expected NAT original address to be announced NBMA, got %v", natOA)
	}
	if natCIEs != 1 {
		t.Fatal("expected a NAT-Address extension CIE to be appended")
	}
}

func TestRegistrationScriptRejection(t *testing.T) {
	scriptPath := writeExitScript(t, 1)
	h := newHarness(t, scriptPath)
	defer h.close()

	iface := &peer.Interface{Name: "gre0", ProtocolAddress: addr(10, 0, 0, 254)}

	req := packet.NewPacket()
	req.Type = packet.TypeRegistrationReq
	req.Interface = iface
	req.SrcProtocol = addr(10, 0, 0, 2)
	req.SrcNBMA = addr(192, 0, 2, 2)
	req.SrcLinkLayer = addr(192, 0, 2, 2)
	req.DstProtocol = addr(10, 0, 0, 254)
	req.CIEs = []packet.CIE{{PrefixLength: peer.FullPrefixLength, HoldingTime: 7200}}

	h.call(func() { h.codec.Dispatch(req) })

	h.waitUntil(t, 2*time.Second, func() bool {
		return len(h.codec.Sent) > 0 || len(h.codec.Errors) > 0
	})

	var peerCount, pendingLen, sentCount, errCount int
	var cieCode uint8
	h.call(func() {
		peerCount = h.cache.Len()
		pendingLen = h.pending.Len()
		sentCount = len(h.codec.Sent)
		errCount = len(h.codec.Errors)
		// The request's only CIE was rejected, so no CIE ever set RPeer;
		// with no reply route the reply is a protocol-level error, not
		// a sent packet. The rejected CIE's own code lives on the
		// original request packet, which the handler mutated in place.
		if len(req.CIEs) > 0 {
			cieCode = req.CIEs[0].Code
		}
	})

	if peerCount != 0 {
		t.Fatalf("expected no peer inserted on script rejection, got %d", peerCount)
	}
	if sentCount != 0 {
		t.Fatalf("expected no reply sent (no CIE produced a reply route), got %d", sentCount)
	}
	if errCount != 1 {
		t.Fatalf("expected one protocol-level error sent, got %d", errCount)
	}
	if cieCode != packet.CodeAdministrativelyProhibited {
		t.Fatalf("expected AdministrativelyProhibited code, got %d", cieCode)
	}
	if pendingLen != 0 {
		t.Fatalf("expected pending table empty after rejection, got %d", pendingLen)
	}
}

func TestRegistrationMultiCIESequential(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peer-register.sh")
	body := "#!/bin/sh\ncase \"$NHRP_DESTADDR\" in\n10.0.0.2) exit 0 ;;\n*) exit 1 ;;\nesac\n"
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("writing script: %v", err)
	}

	h := newHarness(t, path)
	defer h.close()

	iface := &peer.Interface{Name: "gre0", ProtocolAddress: addr(10, 0, 0, 254)}

	req := packet.NewPacket()
	req.Type = packet.TypeRegistrationReq
	req.Interface = iface
	req.SrcProtocol = addr(10, 0, 0, 2)
	req.SrcNBMA = addr(192, 0, 2, 2)
	req.SrcLinkLayer = addr(192, 0, 2, 2)
	req.DstProtocol = addr(10, 0, 0, 254)
	req.CIEs = []packet.CIE{
		{PrefixLength: 32, HoldingTime: 7200, ProtocolAddress: addr(10, 0, 0, 2)},
		{PrefixLength: 32, HoldingTime: 7200, ProtocolAddress: addr(10, 0, 0, 3)},
	}

	h.call(func() { h.codec.Dispatch(req) })

	h.waitUntil(t, 2*time.Second, func() bool {
		return len(h.codec.Sent) > 0 || len(h.codec.Errors) > 0
	})

	var peerCount int
	var codes []uint8
	h.call(func() {
		peerCount = h.cache.Len()
		for _, cie := range req.CIEs {
			codes = append(codes, cie.Code)
		}
	})

	if peerCount != 1 {
		t.Fatalf("expected exactly one peer inserted, got %d", peerCount)
	}
	if len(codes) != 2 || codes[0] != packet.CodeSuccess || codes[1] != packet.CodeAdministrativelyProhibited {
		t.Fatalf("expected reply codes {0, AdministrativelyProhibited}, got %v", codes)
	}
}

func TestPurgeRemovesMatchingPeers(t *testing.T) {
	h := newHarness(t, "")
	defer h.close()

	iface := &peer.Interface{Name: "gre0"}
	for i := 1; i <= 3; i++ {
		p := peer.NewPeer(iface)
		p.Type = peer.Dynamic
		p.ProtocolAddress = addr(10, 0, 0, byte(i))
		p.PrefixLength = 32
		h.cache.Insert(p)
	}

	req := packet.NewPacket()
	req.Type = packet.TypePurgeRequest
	req.Interface = iface
	req.CIEs = []packet.CIE{{ProtocolAddress: addr(10, 0, 0, 0), PrefixLength: 24}}

	h.dispatchSync(req)

	if h.cache.Len() != 0 {
		t.Fatalf("expected all peers purged under the /24, got %d remaining", h.cache.Len())
	}
}

