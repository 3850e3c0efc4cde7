package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/pairchat/internal/client"
	"github.com/npezzotti/pairchat/internal/offline"
	"github.com/npezzotti/pairchat/internal/protocol"
	"github.com/npezzotti/pairchat/internal/types"
)

var (
	serverURL string
	apiURL    string
	coupleId  string
	userId    string
	token     string
	queuePath string
)

// messageSender posts messages to the message API.
type messageSender struct {
	client *http.Client
	url    string
	token  string
}

func (s *messageSender) send(ctx context.Context, req types.SendMessageRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("message api returned %s", resp.Status)
	}
	return nil
}

func main() {
	flag.StringVar(&serverURL, "server", "http://localhost:8000", "realtime server url")
	flag.StringVar(&apiURL, "api", "http://localhost:3000", "message api url")
	flag.StringVar(&coupleId, "couple", "", "couple id")
	flag.StringVar(&userId, "user", "", "user id")
	flag.StringVar(&token, "token", "", "session token")
	flag.StringVar(&queuePath, "queue", "pairchat-queue.db", "offline queue database path")
	flag.Parse()

	logger := log.New(os.Stderr, "[pairchat-client] ", log.LstdFlags)

	db, err := offline.OpenSQLite(queuePath)
	if err != nil {
		logger.Fatal("queue:", err)
	}
	store, err := offline.NewGormStore(db)
	if err != nil {
		logger.Fatal("queue:", err)
	}
	defer store.Close()

	queue, err := offline.NewQueue(store, logger)
	if err != nil {
		logger.Fatal("queue:", err)
	}

	sender := &messageSender{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    strings.TrimRight(apiURL, "/") + "/api/messages",
		token:  token,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	drain := func() {
		sent, err := queue.Drain(ctx, sender.send)
		if sent > 0 {
			fmt.Printf("* sent %d queued message(s)\n", sent)
		}
		if err != nil {
			logger.Println("drain:", err)
		}
	}

	ctrl := client.NewController(client.Config{
		Target: client.Target{
			URL:      serverURL,
			CoupleId: coupleId,
			UserId:   userId,
			Token:    token,
		},
		Handlers: client.Handlers{
			OnMessage: func(m types.MessageWithSender) {
				fmt.Printf("%s: %s\n", m.Sender.Name, m.Content)
			},
			OnRead: func(r protocol.ReadReceipt) {
				fmt.Printf("* message %s read\n", r.MessageId)
			},
			OnReaction: func(r protocol.ReactionAdded) {
				fmt.Printf("* %s reacted %s\n", r.Reaction.UserId, r.Reaction.Emoji)
			},
			OnPartnerTyping: func(typing bool) {
				if typing {
					fmt.Println("* partner is typing...")
				}
			},
			OnPresence: func(online bool, p protocol.Presence) {
				if online {
					fmt.Println("* partner is online")
				} else {
					fmt.Printf("* partner went offline at %s\n", p.LastSeen.Local().Format(time.Kitchen))
				}
			},
			OnError: func(e protocol.Error) {
				fmt.Printf("! %s\n", e.Message)
			},
		},
		OnStateChange: func(s client.State) {
			queue.SetOnline(s == client.StateOpen)
			fmt.Printf("* %s\n", s)
			if s == client.StateOpen {
				go drain()
			}
		},
		OnReconnected: func() {
			fmt.Println("* reconnected")
		},
	}, &client.WebsocketDialer{}, logger)

	if err := ctrl.Start(ctx); err != nil {
		logger.Fatal(err)
	}
	defer ctrl.Disconnect()

	if n := queue.Len(); n > 0 {
		fmt.Printf("* %d message(s) waiting from a previous session\n", n)
	}

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
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			handleLine(ctx, logger, line, ctrl, queue, sender, drain)
		}
	}
}

func handleLine(ctx context.Context, logger *log.Logger, line string, ctrl *client.Controller, queue *offline.Queue, sender *messageSender, drain func()) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return
	case "/typing", "/stop":
		if err := ctrl.SendTyping(line == "/typing"); err != nil {
			logger.Println("typing:", err)
		}
		return
	case "/flush":
		drain()
		return
	case "/queue":
		for _, m := range queue.Messages() {
			fmt.Printf("  %s %s %q\n", m.EnqueuedAt.Local().Format(time.Kitchen), m.LocalId, m.Content)
		}
		return
	}

	req := types.SendMessageRequest{Content: line, MessageType: types.MessageTypeText}
	if queue.Online() && queue.Len() == 0 {
		err := sender.send(ctx, req)
		if err == nil {
			return
		}
		logger.Println("send:", err)
	}

	localId, err := queue.Enqueue(req)
	if err != nil {
		logger.Println("enqueue:", err)
		return
	}
	fmt.Printf("* queued %s\n", localId)
}
