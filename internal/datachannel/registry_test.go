package datachannel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

type fakeChannel struct {
	label string

	mu        sync.Mutex
	state     webrtc.DataChannelState
	sent      []string
	buffered  uint64
	onOpen    func()
	onClose   func()
	onError   func(error)
	onMessage func(webrtc.DataChannelMessage)
	onLow     func()
}

func newFakeChannel(label string) *fakeChannel {
	return &fakeChannel{label: label, state: webrtc.DataChannelStateConnecting}
}

func (f *fakeChannel) Label() string { return f.label }

func (f *fakeChannel) ReadyState() webrtc.DataChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, string(data))
	return nil
}

func (f *fakeChannel) SendText(s string) error { return f.Send([]byte(s)) }

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	if f.state == webrtc.DataChannelStateClosed {
		f.mu.Unlock()
		return nil
	}
	f.state = webrtc.DataChannelStateClosed
	cb := f.onClose
	f.mu.Unlock()
	if cb != nil {
		go cb()
	}
	return nil
}

func (f *fakeChannel) OnOpen(fn func())                             { f.onOpen = fn }
func (f *fakeChannel) OnClose(fn func())                            { f.onClose = fn }
func (f *fakeChannel) OnError(fn func(error))                       { f.onError = fn }
func (f *fakeChannel) OnMessage(fn func(webrtc.DataChannelMessage)) { f.onMessage = fn }
func (f *fakeChannel) OnBufferedAmountLow(fn func())                { f.onLow = fn }
func (f *fakeChannel) SetBufferedAmountLowThreshold(uint64)         {}

func (f *fakeChannel) BufferedAmount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

// open simulates the engine opening the channel.
func (f *fakeChannel) open() {
	f.mu.Lock()
	f.state = webrtc.DataChannelStateOpen
	f.mu.Unlock()
	f.onOpen()
}

func (f *fakeChannel) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeOpener struct {
	created []*fakeChannel
}

func (o *fakeOpener) CreateDataChannel(label string, _ *webrtc.DataChannelInit) (Channel, error) {
	ch := newFakeChannel(label)
	o.created = append(o.created, ch)
	return ch, nil
}

func TestAddPreconditions(t *testing.T) {
	r := NewRegistry(Config{})
	opener := &fakeOpener{}

	if err := r.Add("chat", nil, nil, false); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Add without session = %v, want ErrNotReady", err)
	}
	if err := r.Add("chat", nil, opener, true); !errors.Is(err, ErrOfferInFlight) {
		t.Fatalf("Add during offer = %v, want ErrOfferInFlight", err)
	}
	if err := r.Add("chat", nil, opener, false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add("chat", nil, opener, false); !errors.Is(err, ErrExists) {
		t.Fatalf("second Add = %v, want ErrExists", err)
	}
	if len(opener.created) != 1 {
		t.Fatalf("opener created %d channels, want 1", len(opener.created))
	}
}

func TestOpenReplacesWithoutChecks(t *testing.T) {
	r := NewRegistry(Config{})
	opener := &fakeOpener{}

	if err := r.Open("chat", nil, opener); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.Open("chat", nil, opener); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	e, ok := r.Find("chat")
	if !ok || e.Channel != opener.created[1] || r.Len() != 1 {
		t.Fatal("Open did not replace the existing entry")
	}
}

func TestSendRequiresOpen(t *testing.T) {
	r := NewRegistry(Config{})
	opener := &fakeOpener{}

	if err := r.Send("chat", []byte("x")); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Send on unknown label = %v, want ErrNotOpen", err)
	}

	r.Add("chat", nil, opener, false)
	if err := r.SendText("chat", "early"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Send before open = %v, want ErrNotOpen", err)
	}

	ch := opener.created[0]
	ch.open()
	if err := r.SendText("chat", "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := r.Send("chat", []byte("world")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := ch.sentMessages(); len(got) != 2 || got[0] != "hello" || got[1] != "world" {
		t.Fatalf("sent = %v", got)
	}
}

func TestCloseEvicts(t *testing.T) {
	r := NewRegistry(Config{})
	opener := &fakeOpener{}

	r.Add("chat", nil, opener, false)
	ch := opener.created[0]
	ch.open()
	ch.onClose()

	if _, ok := r.Find("chat"); ok {
		t.Fatal("closed channel still registered")
	}
	if err := r.Add("chat", nil, opener, false); err != nil {
		t.Fatalf("Add after eviction: %v", err)
	}
}

func TestErrorEvicts(t *testing.T) {
	r := NewRegistry(Config{})
	opener := &fakeOpener{}

	r.Add("chat", nil, opener, false)
	opener.created[0].onError(errors.New("sctp abort"))

	if r.Len() != 0 {
		t.Fatal("errored channel still registered")
	}
}

func TestAddRemoteReplaces(t *testing.T) {
	r := NewRegistry(Config{})
	opener := &fakeOpener{}

	r.Add("chat", nil, opener, false)
	local := opener.created[0]

	remote := newFakeChannel("chat")
	r.AddRemote(r.Wire(remote))
	remote.open()

	if r.Len() != 1 {
		t.Fatalf("registry holds %d entries, want 1", r.Len())
	}
	e, _ := r.Find("chat")
	if e.Channel != remote {
		t.Fatal("remote channel did not replace the local one")
	}

	// A late close of the replaced channel must not evict its successor.
	local.onClose()
	if _, ok := r.Find("chat"); !ok {
		t.Fatal("replaced channel evicted its successor")
	}

	r.AddRemote(r.Wire(newFakeChannel("")))
	if r.Len() != 1 {
		t.Fatal("unlabeled remote channel registered")
	}
}

func TestOnDataCarriesLabel(t *testing.T) {
	type got struct {
		label string
		data  string
	}
	var received []got

	r := NewRegistry(Config{
		OnData: func(label string, msg webrtc.DataChannelMessage) {
			received = append(received, got{label, string(msg.Data)})
		},
	})
	ch := newFakeChannel("files")
	r.AddRemote(r.Wire(ch))
	ch.onMessage(webrtc.DataChannelMessage{IsString: true, Data: []byte("ping")})

	if len(received) != 1 || received[0] != (got{"files", "ping"}) {
		t.Fatalf("OnData received %v", received)
	}
}

func TestWireReceivesBeforeRegistration(t *testing.T) {
	var posted []func()
	var received []string
	r := NewRegistry(Config{
		Post: func(fn func()) { posted = append(posted, fn) },
		OnData: func(label string, msg webrtc.DataChannelMessage) {
			received = append(received, label+":"+string(msg.Data))
		},
	})

	ch := newFakeChannel("early")
	e := r.Wire(ch)
	if e == nil || ch.onMessage == nil {
		t.Fatal("Wire did not install a message handler")
	}
	if _, ok := r.Find("early"); ok {
		t.Fatal("Wire registered the channel")
	}

	// The remote sends as soon as the channel opens.
	posted = append(posted, func() { r.AddRemote(e) })
	ch.open()
	ch.onMessage(webrtc.DataChannelMessage{IsString: true, Data: []byte("first")})

	for _, fn := range posted {
		fn()
	}
	if len(received) != 1 || received[0] != "early:first" {
		t.Fatalf("received = %v", received)
	}
	if e, ok := r.Find("early"); !ok || e.State() != StateOpen {
		t.Fatal("channel not registered as open")
	}
}

func TestPostIsUsedForLifecycle(t *testing.T) {
	var posted []func()
	r := NewRegistry(Config{Post: func(fn func()) { posted = append(posted, fn) }})
	opener := &fakeOpener{}

	r.Add("chat", nil, opener, false)
	opener.created[0].open()

	if e, _ := r.Find("chat"); e.State() != StateConnecting {
		t.Fatal("state changed before the posted task ran")
	}
	for _, fn := range posted {
		fn()
	}
	if e, _ := r.Find("chat"); e.State() != StateOpen {
		t.Fatalf("state = %s after posted tasks, want open", e.State())
	}
}

func TestRemove(t *testing.T) {
	r := NewRegistry(Config{CloseInterval: time.Millisecond, CloseMaxPolls: 100})
	opener := &fakeOpener{}

	if err := r.Remove(context.Background(), "chat"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Remove unknown = %v, want ErrNotOpen", err)
	}

	r.Add("chat", nil, opener, false)
	if err := r.Remove(context.Background(), "chat"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Remove before open = %v, want ErrNotOpen", err)
	}

	opener.created[0].open()
	if err := r.Remove(context.Background(), "chat"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := r.Find("chat"); ok {
		t.Fatal("removed channel still registered")
	}
}

func TestSendContextWaitsForLowWater(t *testing.T) {
	r := NewRegistry(Config{})
	ch := newFakeChannel("bulk")
	r.AddRemote(r.Wire(ch))
	ch.open()

	ch.mu.Lock()
	ch.buffered = HighWaterMark + 1
	ch.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.SendContext(ctx, "bulk", []byte("x")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("SendContext over high water = %v, want deadline exceeded", err)
	}

	ch.onLow()
	if err := r.SendContext(context.Background(), "bulk", []byte("y")); err != nil {
		t.Fatalf("SendContext after low water: %v", err)
	}
	if got := ch.sentMessages(); len(got) != 1 || got[0] != "y" {
		t.Fatalf("sent = %v", got)
	}
}

func TestClosablesAndClear(t *testing.T) {
	r := NewRegistry(Config{})
	a, b := newFakeChannel("a"), newFakeChannel("b")
	r.AddRemote(r.Wire(a))
	r.AddRemote(r.Wire(b))
	a.open()

	cs := r.Closables()
	if len(cs) != 2 {
		t.Fatalf("Closables = %d, want 2", len(cs))
	}
	for _, c := range cs {
		c.Close()
	}
	for _, c := range cs {
		if !c.Closed() {
			t.Fatal("entry not closed")
		}
	}

	r.Clear()
	if r.Len() != 0 {
		t.Fatal("Clear left entries")
	}
}
