// Ayame: CLI entry point.
//
// This tool joins a room on an Ayame signaling server and chats with the other
// member over a WebRTC data channel, or runs a two-party signaling server for
// local testing.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-url, -room, -serve, ...).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/1ureka/ayame-go/internal/codec"
	"github.com/1ureka/ayame-go/internal/config"
	"github.com/1ureka/ayame-go/internal/signaling"
	"github.com/1ureka/ayame-go/internal/util"
	"github.com/1ureka/ayame-go/pkg/ayame"
)

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Config{}
	var iceServers string

	flag.StringVar(&cfg.ListenAddr, "serve", "", "Run a signaling server on this address (e.g. :3000)")
	flag.StringVar(&cfg.SignalingURL, "url", "", "Signaling server URL (e.g. wss://ayame.example.com/signaling)")
	flag.StringVar(&cfg.RoomID, "room", "", "Room id")
	flag.StringVar(&cfg.ClientID, "clientId", "", "Client id (default: random)")
	flag.StringVar(&cfg.SignalingKey, "key", "", "Signaling key")
	flag.StringVar(&cfg.Label, "label", "chat", "Data channel label")
	flag.BoolVar(&cfg.Audio, "audio", false, "Receive audio")
	flag.BoolVar(&cfg.Video, "video", false, "Receive video")
	flag.StringVar(&cfg.VideoCodec, "codec", "", "Preferred video codec: VP8, VP9, AV1, H264 or H265")
	flag.BoolVar(&cfg.RelayOnly, "relay", false, "Use relay ICE candidates only")
	flag.StringVar(&iceServers, "iceServers", "", "ICE servers as JSON (or $"+config.EnvICEServersJSON+")")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&cfg.Trace, "trace", false, "Enable trace logging (implies -debug)")
	flag.BoolVar(&cfg.Stats, "stats", false, "Report traffic statistics")
	flag.Parse()

	switch {
	case cfg.Trace:
		cfg.Debug = true
		util.EnableTrace()
	case cfg.Debug:
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Ayame — v%s", ayame.Version()))
	pterm.Println()

	switch {
	case cfg.ListenAddr != "":
		cfg.Mode = config.ModeServe
	case cfg.SignalingURL != "" || cfg.RoomID != "":
		cfg.Mode = config.ModeJoin
	default:
		// No mode flags → interactive mode.
		runInteractive(&cfg)
	}

	if err := cfg.LoadICEServers(iceServers); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if cfg.VideoCodec != "" {
		name, err := codec.Parse(cfg.VideoCodec)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg.VideoCodec = name
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if cfg.Stats {
		util.StartStatsReporter(ctx)
	}

	switch cfg.Mode {
	case config.ModeServe:
		runServer(ctx, cfg.ListenAddr)
	case config.ModeJoin:
		runJoin(ctx, cfg)
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive fills cfg from prompts when no mode flag is provided.
func runInteractive(cfg *config.Config) {
	mode, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Join  — Chat in a room", "Serve — Run a signaling server"}).
		WithDefaultText("Select what to do").
		Show()

	pterm.Println()

	if strings.HasPrefix(mode, "Serve") {
		cfg.Mode = config.ModeServe
		cfg.ListenAddr = ask("Listen address (e.g. :3000)", func(s string) bool { return s != "" })
		return
	}

	cfg.Mode = config.ModeJoin
	raw := ask("Signaling URL (e.g. ws://127.0.0.1:3000/signaling)", func(s string) bool {
		_, err := config.NormalizeSignalingURL(s)
		return err == nil
	})
	cfg.SignalingURL = raw
	cfg.RoomID = ask("Room id", func(s string) bool { return s != "" })
}

// runServer runs the dev signaling server until ctx is done.
func runServer(ctx context.Context, addr string) {
	srv := signaling.NewServer()
	wsURL, err := srv.Start(addr)
	if err != nil {
		util.LogError("failed to start signaling server: %v", err)
		os.Exit(1)
	}
	defer srv.Close()

	util.LogSuccess("signaling server listening on %s", wsURL)
	<-ctx.Done()
	util.LogInfo("signaling server stopped")
}

// runJoin joins the room and relays stdin lines to the data channel.
func runJoin(ctx context.Context, cfg config.Config) {
	wsURL, err := config.NormalizeSignalingURL(cfg.SignalingURL)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	opts := ayame.DefaultOptions()
	opts.Audio = ayame.MediaOptions{Direction: webrtc.RTPTransceiverDirectionRecvonly, Enabled: cfg.Audio}
	opts.Video = ayame.MediaOptions{Direction: webrtc.RTPTransceiverDirectionRecvonly, Enabled: cfg.Video, Codec: cfg.VideoCodec}
	if cfg.ClientID != "" {
		opts.ClientID = cfg.ClientID
	}
	opts.SignalingKey = cfg.SignalingKey
	opts.ICEServers = cfg.ICEServers
	opts.RelayOnly = cfg.RelayOnly
	opts.DataChannels = []ayame.DataChannel{{Label: cfg.Label}}

	conn := ayame.New(wsURL, cfg.RoomID, opts, ayame.WithDebug(cfg.Debug))

	ended := make(chan struct{})
	var once sync.Once
	endOnce := func() { once.Do(func() { close(ended) }) }

	conn.OnOpen(func(e ayame.OpenEvent) {
		if len(e.AuthzMetadata) > 0 {
			util.LogDebug("authz metadata: %s", e.AuthzMetadata)
		}
		util.LogInfo("waiting for the peer in room %q", cfg.RoomID)
	})
	conn.OnConnect(func() {
		util.LogSuccess("connected: type a line and press enter to send it on %q", cfg.Label)
	})
	conn.OnAddStream(func(e ayame.StreamEvent) {
		util.LogInfo("remote %s track %s (stream %s)", e.Track.Kind(), e.Track.ID(), e.Track.StreamID())
	})
	conn.OnRemoveStream(func(e ayame.StreamEvent) {
		util.LogInfo("remote track %s removed", e.Track.ID())
	})
	conn.OnData(func(e ayame.DataEvent) {
		pterm.Printfln("%s %s", pterm.Cyan("peer@"+e.Label+">"), string(e.Data))
	})
	conn.OnClose(func() {
		util.LogInfo("server sent close")
	})
	conn.OnBye(func() {
		util.LogInfo("the peer left the room")
		endOnce()
	})
	conn.OnDisconnect(func(e ayame.DisconnectEvent) {
		if e.Err != nil {
			util.LogWarning("disconnected (%s): %v", e.Reason, e.Err)
		} else {
			util.LogInfo("disconnected (%s)", e.Reason)
		}
		endOnce()
	})

	if err := conn.Connect(ctx, nil, nil); err != nil {
		util.LogError("failed to join room: %v", err)
		os.Exit(1)
	}
	util.LogDebug("joined room %q", cfg.RoomID)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Disconnect(context.Background())
			return
		case <-ended:
			return
		case line, ok := <-lines:
			if !ok {
				conn.Disconnect(context.Background())
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := conn.SendText(cfg.Label, line); err != nil {
				util.LogWarning("not sent: %v", err)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// ask prompts until valid accepts the trimmed input.
func ask(prompt string, valid func(string) bool) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		raw = strings.TrimSpace(raw)
		if valid(raw) {
			pterm.Println()
			return raw
		}

		pterm.Println()
		util.LogWarning("invalid input: please try again")
	}
}
