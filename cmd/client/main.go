// Command client is a small interactive terminal client, mostly useful
// for exercising a relay during development:
//
//	client -room demo -user alice
//
// Lines typed on stdin are sent as text messages; "/file <path>" uploads
// a file, "/typing" toggles the typing indicator, "/quit" exits.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	imclient "im-client"
)

func main() {
	var (
		room = flag.String("room", "demo", "room to join")
		user = flag.String("user", "guest", "user name")
	)
	flag.Parse()

	logger := logrus.New()

	cfg, err := imclient.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	client := imclient.New(cfg, uuid.New().String(), *user, logger)

	client.OnRoomMessage(func(msg imclient.Message) {
		fmt.Printf("[%s] %s: %s\n", msg.Status, msg.SenderID, msg.Content)
	})
	client.OnParticipantJoined(func(p imclient.Participant) {
		fmt.Printf("* %s joined\n", p.Name)
	})
	client.OnParticipantLeft(func(p imclient.Participant) {
		fmt.Printf("* %s left\n", p.Name)
	})
	client.OnTyping(func(ev imclient.TypingEvent) {
		if ev.Typing {
			fmt.Printf("* %s is typing...\n", ev.SenderID)
		}
	})
	client.OnConnectionStateChange(func(state imclient.State) {
		fmt.Printf("* connection: %s\n", state)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to connect")
	}
	defer client.Close()

	if err := client.EnterRoom(ctx, *room); err != nil {
		logger.WithError(err).Fatal("Failed to enter room")
	}
	fmt.Printf("joined %s as %s\n", *room, *user)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	typing := false
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return
			case line == "/typing":
				typing = !typing
				if err := client.SendTyping(ctx, typing); err != nil {
					logger.WithError(err).Warn("Failed to send typing indicator")
				}
			case strings.HasPrefix(line, "/file "):
				path := strings.TrimSpace(strings.TrimPrefix(line, "/file "))
				sendFile(ctx, client, *room, path, logger)
			default:
				tempID := "temp-" + uuid.New().String()
				if _, err := client.SendMessage(ctx, *room, line, "text", tempID); err != nil {
					logger.WithError(err).Error("Failed to send message")
				}
			}
		}
	}
}

func sendFile(ctx context.Context, client *imclient.Client, room, path string, logger *logrus.Logger) {
	file, err := imclient.FileFromPath(path)
	if err != nil {
		logger.WithError(err).Error("Failed to open file")
		return
	}

	results, err := client.SendFiles(ctx, room, []imclient.File{file}, func(tempID string, progress int) {
		fmt.Printf("* %s: %d%%\n", file.Name, progress)
	}, "")
	if err != nil {
		logger.WithError(err).Error("Upload failed")
		return
	}
	for _, res := range results {
		fmt.Printf("* uploaded %s -> %s\n", file.Name, res.FileURL)
	}
}
