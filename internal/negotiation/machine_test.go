package negotiation

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ayame-go/internal/datachannel"
	"github.com/1ureka/ayame-go/internal/peer"
	"github.com/1ureka/ayame-go/internal/peer/peertest"
	"github.com/1ureka/ayame-go/internal/signaling"
	"github.com/1ureka/ayame-go/internal/teardown"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeChannel struct {
	mu      sync.Mutex
	sent    []signaling.Message
	closed  bool
	sendErr error
	in      chan []byte
	done    chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{in: make(chan []byte), done: make(chan struct{})}
}

func (c *fakeChannel) Send(msg signaling.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return signaling.ErrChannelClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) Incoming() <-chan []byte { return c.in }
func (c *fakeChannel) Err() error              { return nil }
func (c *fakeChannel) Done() <-chan struct{}   { return c.done }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) types() []signaling.MessageType {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []signaling.MessageType
	for _, m := range c.sent {
		out = append(out, m.Type)
	}
	return out
}

func (c *fakeChannel) last() signaling.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return signaling.Message{}
	}
	return c.sent[len(c.sent)-1]
}

type event struct {
	name   string
	reason string
	err    error
}

type recorder struct {
	events []event
	authz  json.RawMessage
	added  []peer.RemoteTrack
	gone   []peer.RemoteTrack
}

func (r *recorder) Open(authz json.RawMessage) {
	r.authz = authz
	r.events = append(r.events, event{name: "open"})
}
func (r *recorder) Connect() { r.events = append(r.events, event{name: "connect"}) }
func (r *recorder) Disconnect(reason string, err error) {
	r.events = append(r.events, event{name: "disconnect", reason: reason, err: err})
}
func (r *recorder) Bye()   { r.events = append(r.events, event{name: "bye"}) }
func (r *recorder) Close() { r.events = append(r.events, event{name: "close"}) }
func (r *recorder) AddStream(t peer.RemoteTrack) {
	r.added = append(r.added, t)
	r.events = append(r.events, event{name: "addstream"})
}
func (r *recorder) RemoveStream(t peer.RemoteTrack) {
	r.gone = append(r.gone, t)
	r.events = append(r.events, event{name: "removestream"})
}

func (r *recorder) names() []string {
	var out []string
	for _, e := range r.events {
		out = append(out, e.name)
	}
	return out
}

func (r *recorder) disconnects() []event {
	var out []event
	for _, e := range r.events {
		if e.name == "disconnect" {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	m   *Machine
	ch  *fakeChannel
	f   *peertest.Factory
	obs *recorder
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	opts := Options{
		RoomID:   "room",
		ClientID: "12345",
		Audio:    peer.MediaOptions{Direction: webrtc.RTPTransceiverDirectionSendrecv, Enabled: true},
		Video:    peer.MediaOptions{Direction: webrtc.RTPTransceiverDirectionSendrecv, Enabled: true},
	}
	if mutate != nil {
		mutate(&opts)
	}
	h := &harness{ch: newFakeChannel(), f: &peertest.Factory{}, obs: &recorder{}}
	inline := func(fn func()) { fn() }
	h.m = New(Config{
		Options:  opts,
		Channel:  h.ch,
		Factory:  h.f.New,
		Observer: h.obs,
		Post:     inline,
		Registry: datachannel.NewRegistry(datachannel.Config{Post: inline}),
		Teardown: &teardown.Coordinator{Interval: 5 * time.Millisecond, MaxPolls: 20},
		Tag:      "test",
	})
	return h
}

func (h *harness) deliver(t *testing.T, raw string) {
	t.Helper()
	h.m.HandleMessage([]byte(raw))
}

func admitted(t *testing.T, m *Machine) error {
	t.Helper()
	select {
	case err := <-m.Admitted():
		return err
	case <-time.After(time.Second):
		t.Fatal("admission never resolved")
		return nil
	}
}

func equalTypes(got []signaling.MessageType, want ...signaling.MessageType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func TestStartSendsRegister(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.SignalingKey = "secret"
		o.AuthnMetadata = map[string]string{"user": "a"}
	})
	if err := h.m.Start(); err != nil {
		t.Fatal(err)
	}
	reg := h.ch.last()
	if reg.Type != signaling.TypeRegister || reg.RoomID != "room" || reg.ClientID != "12345" || reg.Key != "secret" {
		t.Fatalf("register = %+v", reg)
	}
	if h.m.State() != StateRegistering {
		t.Fatalf("state = %s, want registering", h.m.State())
	}
	if err := h.m.Start(); !errors.Is(err, ErrSignalingAlreadyExists) {
		t.Fatalf("second Start = %v, want ErrSignalingAlreadyExists", err)
	}
}

func TestStartSendFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.ch.sendErr = errors.New("broken pipe")
	if err := h.m.Start(); err == nil {
		t.Fatal("Start succeeded on a broken channel")
	}
	if err := admitted(t, h.m); !errors.Is(err, signaling.ErrChannelClosedWithError) {
		t.Fatalf("admission = %v", err)
	}
	if d := h.obs.disconnects(); len(d) != 1 || d[0].reason != ReasonWSClosedWithError {
		t.Fatalf("disconnects = %+v", d)
	}
}

// Scenario: the first member of the room waits for an offer.
func TestAcceptAsFirstMember(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	h.deliver(t, `{"type":"accept","isExistUser":false,"authzMetadata":{"plan":"free"}}`)

	if err := admitted(t, h.m); err != nil {
		t.Fatalf("admission = %v", err)
	}
	if h.m.State() != StateAnswering {
		t.Fatalf("state = %s, want answering", h.m.State())
	}
	if len(h.f.Sessions()) != 1 {
		t.Fatalf("sessions = %d, want 1", len(h.f.Sessions()))
	}
	if !equalTypes(h.ch.types(), signaling.TypeRegister) {
		t.Fatalf("sent = %v, want register only", h.ch.types())
	}
	if string(h.obs.authz) != `{"plan":"free"}` {
		t.Fatalf("open authz = %s", h.obs.authz)
	}
	if got := h.obs.names(); len(got) != 1 || got[0] != "open" {
		t.Fatalf("events = %v", got)
	}
}

// Scenario: joining an occupied room sends the offer.
func TestAcceptAsSecondMemberOffers(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	h.deliver(t, `{"type":"accept","isExistUser":true}`)

	if !equalTypes(h.ch.types(), signaling.TypeRegister, signaling.TypeOffer) {
		t.Fatalf("sent = %v", h.ch.types())
	}
	if h.m.State() != StateOffering || !h.m.OfferInFlight() {
		t.Fatalf("state = %s inFlight = %t", h.m.State(), h.m.OfferInFlight())
	}
	if h.ch.last().SDP == "" {
		t.Fatal("offer has no sdp")
	}

	h.deliver(t, `{"type":"answer","sdp":"v=0\r\n"}`)
	s := h.f.Last()
	s.EmitICEState(webrtc.ICEConnectionStateChecking)
	s.EmitICEState(webrtc.ICEConnectionStateConnected)

	if h.m.State() != StateConnected || h.m.OfferInFlight() {
		t.Fatalf("state = %s inFlight = %t", h.m.State(), h.m.OfferInFlight())
	}
	if got := h.obs.names(); len(got) != 2 || got[1] != "connect" {
		t.Fatalf("events = %v", got)
	}
}

// Servers without isExistUser expect the client to offer right away.
func TestAcceptWithoutExistUserOffers(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	h.deliver(t, `{"type":"accept"}`)
	if !equalTypes(h.ch.types(), signaling.TypeRegister, signaling.TypeOffer) {
		t.Fatalf("sent = %v", h.ch.types())
	}
	if h.m.IsExistUser() != nil {
		t.Fatal("isExistUser recorded without the field")
	}
}

func TestAcceptICEServers(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:default.example.com:3478"}}}
		o.RelayOnly = true
	})
	h.m.Start()
	h.deliver(t, `{"type":"accept","isExistUser":false,"iceServers":[{"urls":"turn:turn.example.com:3478","username":"u","credential":"p"}]}`)

	cfgs := h.f.Configs()
	if len(cfgs) != 1 {
		t.Fatalf("configs = %d", len(cfgs))
	}
	if len(cfgs[0].ICEServers) != 1 || cfgs[0].ICEServers[0].URLs[0] != "turn:turn.example.com:3478" {
		t.Fatalf("ice servers = %+v", cfgs[0].ICEServers)
	}
	if !cfgs[0].RelayOnly {
		t.Fatal("relay policy lost")
	}
}

func TestAcceptInvalidICEServers(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	h.deliver(t, `{"type":"accept","iceServers":[{"urls":"http://bad"}]}`)
	if err := admitted(t, h.m); !errors.Is(err, ErrSignalingMessage) {
		t.Fatalf("admission = %v, want ErrSignalingMessage", err)
	}
}

func TestReject(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		reason string
	}{
		{"with reason", `{"type":"reject","reason":"FULL"}`, "FULL"},
		{"without reason", `{"type":"reject"}`, ReasonRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.m.Start()
			h.deliver(t, tt.raw)

			err := admitted(t, h.m)
			var rej *RejectError
			if !errors.As(err, &rej) || rej.Reason != tt.reason || !errors.Is(err, ErrRejected) {
				t.Fatalf("admission = %v", err)
			}
			d := h.obs.disconnects()
			if len(d) != 1 || d[0].reason != tt.reason {
				t.Fatalf("disconnects = %+v", d)
			}
			if h.m.State() != StateFailed || !h.ch.Closed() {
				t.Fatalf("state = %s closed = %t", h.m.State(), h.ch.Closed())
			}

			sent := len(h.ch.types())
			h.deliver(t, `{"type":"ping"}`)
			h.deliver(t, `{"type":"reject","reason":"AGAIN"}`)
			if len(h.ch.types()) != sent {
				t.Fatalf("sent after reject: %v", h.ch.types())
			}
			if len(h.obs.events) != 1 {
				t.Fatalf("events after reject = %v", h.obs.names())
			}
		})
	}
}

func TestPingPong(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	h.deliver(t, `{"type":"ping"}`)
	if h.ch.last().Type != signaling.TypePong {
		t.Fatalf("reply = %v, want pong", h.ch.last().Type)
	}
}

func TestUnknownTypeIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	h.deliver(t, `{"type":"telemetry","foo":1}`)
	if h.m.Done() || len(h.obs.events) != 0 {
		t.Fatalf("unknown type had effects: done=%t events=%v", h.m.Done(), h.obs.names())
	}
}

func TestMissingTypeIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	h.deliver(t, `{"foo":1}`)
	h.deliver(t, `{"type":""}`)
	if h.m.Done() || len(h.obs.events) != 0 {
		t.Fatalf("untyped frame had effects: done=%t events=%v", h.m.Done(), h.obs.names())
	}
	h.deliver(t, `{"type":"ping"}`)
	if h.ch.last().Type != signaling.TypePong {
		t.Fatalf("reply = %v, want pong", h.ch.last().Type)
	}
}

func TestMalformedFrameFails(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	h.deliver(t, `{not json`)

	if err := admitted(t, h.m); !errors.Is(err, ErrSignalingMessage) {
		t.Fatalf("admission = %v", err)
	}
	if d := h.obs.disconnects(); len(d) != 1 || d[0].reason != ReasonSignalingError {
		t.Fatalf("disconnects = %+v", d)
	}
}

// ---------------------------------------------------------------------------
// Offer / answer
// ---------------------------------------------------------------------------

func TestRemoteOfferAnswered(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	h.deliver(t, `{"type":"accept","isExistUser":false}`)
	h.deliver(t, `{"type":"offer","sdp":"v=0\r\n"}`)

	last := h.ch.last()
	if last.Type != signaling.TypeAnswer || last.SDP != peertest.AnswerSDP {
		t.Fatalf("reply = %+v", last)
	}
	if h.m.Recreations() != 0 {
		t.Fatalf("recreations = %d", h.m.Recreations())
	}
}

func TestOfferWithoutSessionIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	h.deliver(t, `{"type":"offer","sdp":"v=0\r\n"}`)
	if h.m.Done() || !equalTypes(h.ch.types(), signaling.TypeRegister) {
		t.Fatalf("done = %t sent = %v", h.m.Done(), h.ch.types())
	}
}

// Scenario: both sides offered; the local session is recreated and answers.
func TestGlareRecreatesSession(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	h.deliver(t, `{"type":"accept","isExistUser":true}`)
	h.deliver(t, `{"type":"candidate","ice":{"candidate":"candidate:early"}}`)
	first := h.f.Last()

	h.deliver(t, `{"type":"offer","sdp":"v=0\r\n"}`)

	if len(h.f.Sessions()) != 2 || h.m.Recreations() != 1 {
		t.Fatalf("sessions = %d recreations = %d", len(h.f.Sessions()), h.m.Recreations())
	}
	if h.ch.last().Type != signaling.TypeAnswer {
		t.Fatalf("reply = %v, want answer", h.ch.last().Type)
	}
	if h.m.OfferInFlight() {
		t.Fatal("offer still in flight after recreation")
	}
	applied := h.f.Last().AppliedCandidates()
	if len(applied) != 1 || applied[0].Candidate != "candidate:early" {
		t.Fatalf("applied on the new session = %+v, want the queued candidate", applied)
	}
	if len(first.AppliedCandidates()) != 0 {
		t.Fatal("candidate applied to the replaced session")
	}
	if opens := strings.Count(strings.Join(h.obs.names(), ","), "open"); opens != 1 {
		t.Fatalf("open emitted %d times", opens)
	}

	deadline := time.Now().Add(time.Second)
	for !first.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("replaced session never closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOfferApplicationFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.f.Fail = map[string]error{"SetRemoteDescription": peertest.ErrInjected}
	h.m.Start()
	h.deliver(t, `{"type":"accept","isExistUser":false}`)
	h.deliver(t, `{"type":"offer","sdp":"v=0\r\n"}`)

	d := h.obs.disconnects()
	if len(d) != 1 || d[0].reason != ReasonSetOfferError || !errors.Is(d[0].err, ErrOfferApplication) {
		t.Fatalf("disconnects = %+v", d)
	}
}

func TestAnswerCreationFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.f.Fail = map[string]error{"CreateAnswer": peertest.ErrInjected}
	h.m.Start()
	h.deliver(t, `{"type":"accept","isExistUser":false}`)
	h.deliver(t, `{"type":"offer","sdp":"v=0\r\n"}`)

	d := h.obs.disconnects()
	if len(d) != 1 || d[0].reason != ReasonSetOfferError || !errors.Is(d[0].err, ErrAnswerCreation) {
		t.Fatalf("disconnects = %+v", d)
	}
}

func TestAnswerApplicationFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	h.deliver(t, `{"type":"accept","isExistUser":true}`)
	h.f.Last().Fail = map[string]error{"SetRemoteDescription": peertest.ErrInjected}
	h.deliver(t, `{"type":"answer","sdp":"v=0\r\n"}`)

	d := h.obs.disconnects()
	if len(d) != 1 || d[0].reason != ReasonSetAnswerError || !errors.Is(d[0].err, ErrAnswerApplication) {
		t.Fatalf("disconnects = %+v", d)
	}
	if h.m.State() != StateFailed {
		t.Fatalf("state = %s", h.m.State())
	}
}

func TestOfferAddsMissingReceivers(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	h.deliver(t, `{"type":"accept","isExistUser":true}`)

	var receivers int
	for _, call := range h.f.Last().CallLog() {
		if strings.HasPrefix(call, "AddReceiver:") {
			receivers++
		}
	}
	// Both media already got a receiver when the session was created.
	if receivers != 2 {
		t.Fatalf("AddReceiver calls = %d, want 2", receivers)
	}
}

func TestOfferFilteredWhenPreferencesFail(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Video.Codec = "VP9" })
	h.f.Fail = map[string]error{"SetVideoCodecPreferences": peertest.ErrInjected}
	h.m.Start()
	h.deliver(t, `{"type":"accept","isExistUser":true}`)

	sdp := h.ch.last().SDP
	if strings.Contains(sdp, "VP8/90000") || !strings.Contains(sdp, "VP9/90000") {
		t.Fatalf("offer not filtered:\n%s", sdp)
	}
}

func TestOfferUnfilteredWhenPreferencesApply(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Video.Codec = "VP9" })
	h.m.Start()
	h.deliver(t, `{"type":"accept","isExistUser":true}`)

	if sdp := h.ch.last().SDP; sdp != peertest.OfferSDP {
		t.Fatalf("offer was rewritten:\n%s", sdp)
	}
}

// ---------------------------------------------------------------------------
// Candidates
// ---------------------------------------------------------------------------

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	h.deliver(t, `{"type":"candidate","ice":{"candidate":"candidate:1"}}`)
	h.deliver(t, `{"type":"accept","isExistUser":false}`)
	h.deliver(t, `{"type":"candidate","ice":{"candidate":"candidate:2"}}`)

	s := h.f.Last()
	if n := len(s.AppliedCandidates()); n != 0 {
		t.Fatalf("%d candidates applied before the remote description", n)
	}

	h.deliver(t, `{"type":"offer","sdp":"v=0\r\n"}`)
	h.deliver(t, `{"type":"candidate","ice":{"candidate":"candidate:3"}}`)

	got := s.AppliedCandidates()
	if len(got) != 3 {
		t.Fatalf("applied = %d, want 3", len(got))
	}
	for i, want := range []string{"candidate:1", "candidate:2", "candidate:3"} {
		if got[i].Candidate != want {
			t.Fatalf("candidate %d = %q, want %q", i, got[i].Candidate, want)
		}
	}

	// Candidates must follow the remote description.
	calls := s.CallLog()
	setRemote, firstAdd := -1, -1
	for i, c := range calls {
		if c == "SetRemoteDescription" && setRemote < 0 {
			setRemote = i
		}
		if c == "AddICECandidate" && firstAdd < 0 {
			firstAdd = i
		}
	}
	if setRemote < 0 || firstAdd < setRemote {
		t.Fatalf("call order = %v", calls)
	}
}

func TestInvalidCandidateIsNotFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	h.deliver(t, `{"type":"accept","isExistUser":false}`)
	h.deliver(t, `{"type":"offer","sdp":"v=0\r\n"}`)
	h.f.Last().Fail = map[string]error{"AddICECandidate": peertest.ErrInjected}
	h.deliver(t, `{"type":"candidate","ice":{"candidate":"garbage"}}`)

	if h.m.Done() {
		t.Fatal("a bad candidate ended the session")
	}
}

func TestMalformedCandidateIsNotFatal(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"index as string", `{"type":"candidate","ice":{"candidate":"candidate:1","sdpMLineIndex":"zero"}}`},
		{"candidate as number", `{"type":"candidate","ice":{"candidate":7}}`},
		{"ice as string", `{"type":"candidate","ice":"candidate:1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.m.Start()
			h.deliver(t, `{"type":"accept","isExistUser":false}`)
			h.deliver(t, `{"type":"offer","sdp":"v=0\r\n"}`)
			h.deliver(t, tt.raw)

			if h.m.Done() || len(h.obs.disconnects()) != 0 {
				t.Fatalf("malformed candidate ended the session: events=%v", h.obs.names())
			}
			if n := len(h.f.Last().AppliedCandidates()); n != 0 {
				t.Fatalf("applied = %d, want 0", n)
			}

			h.deliver(t, `{"type":"candidate","ice":{"candidate":"candidate:2"}}`)
			if got := h.f.Last().AppliedCandidates(); len(got) != 1 || got[0].Candidate != "candidate:2" {
				t.Fatalf("applied = %+v", got)
			}
		})
	}
}

func TestLocalCandidatesSent(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	h.deliver(t, `{"type":"accept","isExistUser":false}`)

	s := h.f.Last()
	s.EmitCandidate(&webrtc.ICECandidateInit{Candidate: "candidate:local"})
	s.EmitCandidate(nil)

	if !equalTypes(h.ch.types(), signaling.TypeRegister, signaling.TypeCandidate) {
		t.Fatalf("sent = %v", h.ch.types())
	}
	c, ok, err := h.ch.last().Candidate()
	if err != nil || !ok || c.Candidate != "candidate:local" {
		t.Fatalf("candidate = %s (%v)", h.ch.last().ICE, err)
	}
}

// ---------------------------------------------------------------------------
// Streams
// ---------------------------------------------------------------------------

func TestStreamsAddedAndRemoved(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	h.deliver(t, `{"type":"accept","isExistUser":false}`)

	track := peertest.Track{TrackID: "v", Stream: "s", Type: webrtc.RTPCodecTypeVideo}
	h.f.Last().EmitTrack(track)
	if len(h.obs.added) != 1 {
		t.Fatalf("added = %d", len(h.obs.added))
	}

	h.m.Disconnect()
	if len(h.obs.gone) != 1 || h.obs.gone[0].ID() != "v" {
		t.Fatalf("removed = %v", h.obs.gone)
	}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// Scenario: the peer leaves the room.
func TestByeTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	h.deliver(t, `{"type":"accept","isExistUser":false}`)
	admitted(t, h.m)
	h.deliver(t, `{"type":"bye"}`)

	if got := h.obs.names(); len(got) != 2 || got[1] != "bye" {
		t.Fatalf("events = %v", got)
	}
	if !h.m.Done() || h.m.State() != StateDisconnected {
		t.Fatalf("done = %t state = %s", h.m.Done(), h.m.State())
	}
	if !h.ch.Closed() || !h.f.Last().Closed() {
		t.Fatal("resources left open")
	}
	if h.m.AuthzMetadata() != nil || h.m.OfferInFlight() {
		t.Fatal("session data not cleared")
	}

	h.deliver(t, `{"type":"offer","sdp":"v=0\r\n"}`)
	if len(h.obs.events) != 2 {
		t.Fatalf("frames after teardown had effects: %v", h.obs.names())
	}
}

func TestCloseMessageOnlyNotifies(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	h.deliver(t, `{"type":"close"}`)
	if got := h.obs.names(); len(got) != 1 || got[0] != "close" || h.m.Done() {
		t.Fatalf("events = %v done = %t", got, h.m.Done())
	}
}

func TestICEFailure(t *testing.T) {
	for _, state := range []webrtc.ICEConnectionState{
		webrtc.ICEConnectionStateDisconnected,
		webrtc.ICEConnectionStateFailed,
	} {
		t.Run(state.String(), func(t *testing.T) {
			h := newHarness(t, nil)
			h.m.Start()
			h.deliver(t, `{"type":"accept","isExistUser":false}`)
			h.f.Last().EmitICEState(state)

			d := h.obs.disconnects()
			if len(d) != 1 || d[0].reason != ReasonICEFailed || !errors.Is(d[0].err, ErrPeerSessionFailed) {
				t.Fatalf("disconnects = %+v", d)
			}
			if h.m.State() != StateFailed {
				t.Fatalf("state = %s", h.m.State())
			}
		})
	}
}

func TestChannelClosed(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
		is     error
	}{
		{"clean", nil, ReasonWSClosed, signaling.ErrChannelClosed},
		{"dropped", errors.New("connection reset"), ReasonWSClosedWithError, signaling.ErrChannelClosedWithError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.m.Start()
			h.m.HandleChannelClosed(tt.err)

			if err := admitted(t, h.m); !errors.Is(err, tt.is) {
				t.Fatalf("admission = %v", err)
			}
			d := h.obs.disconnects()
			if len(d) != 1 || d[0].reason != tt.reason {
				t.Fatalf("disconnects = %+v", d)
			}
		})
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	h.deliver(t, `{"type":"accept","isExistUser":false}`)
	admitted(t, h.m)

	h.m.Disconnect()
	h.m.Disconnect()
	h.m.HandleChannelClosed(nil)

	d := h.obs.disconnects()
	if len(d) != 1 || d[0].reason != ReasonDisconnected || d[0].err != nil {
		t.Fatalf("disconnects = %+v", d)
	}
	if h.m.State() != StateDisconnected {
		t.Fatalf("state = %s", h.m.State())
	}
}

// ---------------------------------------------------------------------------
// Data channels
// ---------------------------------------------------------------------------

func TestAddDataChannelPreconditions(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	if err := h.m.AddDataChannel("chat", nil); !errors.Is(err, datachannel.ErrNotReady) {
		t.Fatalf("before accept = %v, want ErrNotReady", err)
	}

	h.deliver(t, `{"type":"accept","isExistUser":true}`)
	if err := h.m.AddDataChannel("chat", nil); !errors.Is(err, datachannel.ErrOfferInFlight) {
		t.Fatalf("offer in flight = %v, want ErrOfferInFlight", err)
	}

	h.deliver(t, `{"type":"answer","sdp":"v=0\r\n"}`)
	h.f.Last().EmitICEState(webrtc.ICEConnectionStateConnected)
	if err := h.m.AddDataChannel("chat", nil); err != nil {
		t.Fatalf("connected = %v", err)
	}
	if err := h.m.AddDataChannel("chat", nil); !errors.Is(err, datachannel.ErrExists) {
		t.Fatalf("duplicate = %v, want ErrExists", err)
	}
}

func TestRemoteDataChannelRegistered(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	h.deliver(t, `{"type":"accept","isExistUser":false}`)
	h.f.Last().EmitDataChannel(peertest.NewDataChannel("remote"))

	if _, ok := h.m.Registry().Find("remote"); !ok {
		t.Fatal("remote channel not registered")
	}

	h.m.Disconnect()
	if h.m.Registry().Len() != 0 {
		t.Fatal("registry not cleared by teardown")
	}
}

func TestDeclaredChannelsOpenedBeforeOffer(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.DataChannels = []DataChannel{{Label: "chat"}}
	})
	h.m.Start()
	h.deliver(t, `{"type":"accept","isExistUser":true}`)

	calls := h.f.Last().CallLog()
	created, offered := -1, -1
	for i, c := range calls {
		switch c {
		case "CreateDataChannel":
			created = i
		case "CreateOffer":
			offered = i
		}
	}
	if created < 0 || created > offered {
		t.Fatalf("call order = %v", calls)
	}
	if _, ok := h.m.Registry().Find("chat"); !ok {
		t.Fatal("declared channel not registered")
	}
}

func TestDeclaredChannelsNotOpenedByAnswerer(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.DataChannels = []DataChannel{{Label: "chat"}}
	})
	h.m.Start()
	h.deliver(t, `{"type":"accept","isExistUser":false}`)
	h.deliver(t, `{"type":"offer","sdp":"v=0\r\n"}`)

	if h.m.Registry().Len() != 0 {
		t.Fatal("answering side opened a declared channel")
	}
}
