// chatcli is a terminal client for the marketplace chat service. It wires
// the full synchronization core (REST collaborators, event channel, message
// store, read receipts, presence) against a live deployment, and doubles as
// a manual integration harness.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mercato/chat-sync/internal/api"
	"github.com/mercato/chat-sync/internal/cache"
	"github.com/mercato/chat-sync/internal/metrics"
	"github.com/mercato/chat-sync/internal/session"
	"github.com/mercato/chat-sync/internal/socket"
)

func main() {
	apiBase := getenv("API_BASE_URL", "http://localhost:5000/api")
	token := os.Getenv("AUTH_TOKEN")
	userID := os.Getenv("USER_ID")
	cachePath := getenv("CACHE_PATH", "chatsync.db")
	metricsAddr := os.Getenv("METRICS_ADDR")

	socketCfg := socket.DefaultConfig()
	if v := os.Getenv("SOCKET_URL"); v != "" {
		socketCfg.URL = v
	}
	if v := os.Getenv("SOCKET_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			socketCfg.PingInterval = d
		}
	}

	if token == "" || userID == "" {
		log.Fatal("AUTH_TOKEN and USER_ID must be set")
	}

	log.Printf("chatcli starting")
	log.Printf("  api_base:   %s", apiBase)
	log.Printf("  socket_url: %s", socketCfg.URL)
	log.Printf("  user_id:    %s", userID)
	log.Printf("  cache:      %s", cachePath)

	snaps, err := cache.Open(cachePath)
	if err != nil {
		log.Printf("snapshot cache unavailable: %v", err)
		snaps = nil
	}

	tokens := api.StaticTokenSource(token, userID)
	server := api.NewClient(apiBase, tokens)
	ctrl := session.New(session.Config{
		Server: server,
		SelfID: userID,
		Cache:  snaps,
	})
	ctrl.RestoreSnapshot()

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
		log.Printf("  metrics:    %s/metrics", metricsAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.LoadConversations(ctx); err != nil {
		// Cached state (if any) keeps rendering; commands still work.
		log.Printf("conversation load failed: %v", err)
	}
	go ctrl.PrefetchHistories(ctx)

	manager := socket.NewManager(socketCfg, tokens)
	if ch, err := manager.Ensure(ctx); err != nil {
		log.Printf("event channel unavailable, live updates disabled: %v", err)
	} else {
		ctrl.Bind(ch)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		fmt.Println()
		ctrl.Teardown()
		manager.Shutdown()
		os.Exit(0)
	}()

	fmt.Println("commands: /list, /open <id>, /close, /quit; anything else sends to the open conversation")
	repl(ctx, ctrl)

	ctrl.Teardown()
	manager.Shutdown()
}

// repl reads commands and message text from stdin until EOF or /quit.
func repl(ctx context.Context, ctrl *session.Controller) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/list":
			printConversations(ctrl)
		case line == "/close":
			ctrl.Deselect()
			fmt.Println("conversation closed")
		case strings.HasPrefix(line, "/open "):
			chatID := strings.TrimSpace(strings.TrimPrefix(line, "/open "))
			if err := ctrl.Select(ctx, chatID); err != nil {
				log.Printf("open failed: %v", err)
				continue
			}
			printMessages(ctrl)
		default:
			ctrl.TypeKeystroke(line)
			if _, err := ctrl.Send(ctx, line); err != nil {
				log.Printf("send failed (draft kept): %v", err)
			}
		}
	}
}

func printConversations(ctrl *session.Controller) {
	dir := ctrl.Directory()
	convs := dir.List()
	if len(convs) == 0 {
		fmt.Println("no conversations")
		return
	}
	for _, conv := range convs {
		peer := conv.OtherParticipant(ctrl.SelfID())
		status := " "
		if ctrl.Presence().IsOnline(peer.ID) {
			status = "*"
		}
		unread := dir.UnreadCount(conv.ID, ctrl.SelfID())
		badge := ""
		if unread > 0 {
			badge = fmt.Sprintf(" (%d unread)", unread)
		}
		fmt.Printf("%s %-24s %-20s %s%s\n",
			status, conv.ID, peer.Name, dir.LastMessagePreview(conv.ID), badge)
	}
}

func printMessages(ctrl *session.Controller) {
	for _, m := range ctrl.ActiveMessages() {
		who := m.Sender.Name
		if m.Sender.ID == ctrl.SelfID() {
			who = "me"
		}
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), who, m.Text)
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
