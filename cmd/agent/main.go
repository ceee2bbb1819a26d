// Command agent is a headless Duet client. It logs in over REST, connects
// to the gateway's WebSocket, answers every incoming call with a static
// media source, and echoes chat frames back to the caller. Useful for
// testing the full signaling path without a browser on the far side.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/duetapp/duet/internal/call"
	"github.com/duetapp/duet/internal/domain"
	"github.com/duetapp/duet/internal/media"
	"github.com/duetapp/duet/internal/peer"
	"github.com/duetapp/duet/internal/signaling"
	ws "github.com/duetapp/duet/internal/websocket"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	serverURL := envOrDefault("DUET_SERVER_URL", "http://localhost:8080")
	email := os.Getenv("DUET_AGENT_EMAIL")
	password := os.Getenv("DUET_AGENT_PASSWORD")
	if email == "" || password == "" {
		slog.Error("DUET_AGENT_EMAIL and DUET_AGENT_PASSWORD are required")
		os.Exit(1)
	}
	ringTimeout, err := ringTimeoutFromEnv()
	if err != nil {
		slog.Error("bad ring timeout", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	user, token, err := login(ctx, serverURL, email, password)
	cancel()
	if err != nil {
		slog.Error("login failed", "error", err)
		os.Exit(1)
	}
	slog.Info("logged in", "user_id", user.ID, "username", user.Username)

	wsURL, err := websocketURL(serverURL)
	if err != nil {
		slog.Error("bad server URL", "error", err)
		os.Exit(1)
	}

	conn, _, err := gws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		slog.Error("dial gateway", "url", wsURL, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	channel := newGatewayChannel(conn, logger)
	go channel.readLoop()

	authCtx, authCancel := context.WithTimeout(context.Background(), 10*time.Second)
	authInfo, callConfig, err := channel.authenticate(authCtx, token)
	authCancel()
	if err != nil {
		slog.Error("gateway auth failed", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway session established", "ice_servers", len(callConfig.ICEServers))

	engine := peer.NewPionEngine(pionICEServers(callConfig.ICEServers), logger)
	source := media.NewStaticSource("agent-" + authInfo.Username)

	displayName := authInfo.DisplayName
	if displayName == "" {
		displayName = authInfo.Username
	}
	coord := call.NewCoordinator(call.Options{
		Self:        signaling.Identity{ID: authInfo.UserID, DisplayName: displayName},
		Channel:     channel,
		Engine:      engine,
		Media:       source,
		RingTimeout: ringTimeout,
		Logger:      logger,
	})
	if err := coord.Start(context.Background()); err != nil {
		slog.Error("start coordinator", "error", err)
		os.Exit(1)
	}
	defer coord.Close()

	// The observer only forwards snapshots; reactions run on their own
	// goroutine so answering a call cannot re-enter the coordinator from
	// inside a notification.
	snapshots := make(chan call.Snapshot, 16)
	unsubscribe := coord.Subscribe(func(s call.Snapshot) {
		select {
		case snapshots <- s:
		default:
		}
	})
	defer unsubscribe()

	go react(coord, authInfo.UserID, snapshots, logger)

	slog.Info("agent ready, waiting for calls")

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-shutdownCtx.Done()
	slog.Info("agent stopping")
}

// react auto-answers ringing calls and echoes every chat frame the far
// side sends.
func react(coord *call.Coordinator, selfID uuid.UUID, snapshots <-chan call.Snapshot, logger *slog.Logger) {
	echoed := make(map[uuid.UUID]bool)
	var lastCall uuid.UUID

	for s := range snapshots {
		if s.CallID != lastCall {
			lastCall = s.CallID
			echoed = make(map[uuid.UUID]bool)
		}

		switch s.State {
		case call.StateRingingInbound:
			logger.Info("incoming call, answering", "call_id", s.CallID, "from", s.PeerName)
			if err := coord.AnswerCall(context.Background()); err != nil {
				logger.Error("answer call", "error", err)
			}

		case call.StateConnecting, call.StateActive:
			for _, frame := range s.Frames {
				if frame.SenderID == selfID || echoed[frame.ID] {
					continue
				}
				echoed[frame.ID] = true
				reply := "echo: " + frame.Text
				if err := coord.SendMessage(context.Background(), reply); err != nil {
					logger.Error("echo chat frame", "error", err)
				}
			}
		}
	}
}

// login authenticates over REST and returns the user plus an access token.
func login(ctx context.Context, serverURL, email, password string) (*domain.User, string, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return nil, "", fmt.Errorf("login: %s (status %d)", errBody.Error, resp.StatusCode)
	}

	var out struct {
		User        domain.User `json:"user"`
		AccessToken string      `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, "", fmt.Errorf("decode login response: %w", err)
	}
	return &out.User, out.AccessToken, nil
}

// websocketURL rewrites an http(s) base URL into the gateway's ws(s) endpoint
func websocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// pionICEServers converts the gateway's ICE config into pion's form
func pionICEServers(servers []ws.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
		}
		out = append(out, ice)
	}
	return out
}

// ringTimeoutFromEnv reads CALL_RING_TIMEOUT. Unset means the default;
// zero disables the ring timeout entirely.
func ringTimeoutFromEnv() (time.Duration, error) {
	v := os.Getenv("CALL_RING_TIMEOUT")
	if v == "" {
		return call.DefaultRingTimeout, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("CALL_RING_TIMEOUT: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("CALL_RING_TIMEOUT must not be negative")
	}
	return d, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
