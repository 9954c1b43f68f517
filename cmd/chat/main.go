// Command chat is a terminal front-end for the session runtime. It talks to a
// running relay server and keeps its conversation state in a local bolt file.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jcalderon/glmchat/internal/models"
	"github.com/jcalderon/glmchat/internal/services"
	"github.com/jcalderon/glmchat/internal/session"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	relayURL := flag.String("relay", "http://localhost:8080", "base URL of the relay server")
	statePath := flag.String("state", defaultStatePath(), "path to the chat state database")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	if err := os.MkdirAll(filepath.Dir(*statePath), 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating state directory: %w", err))
	}

	store, err := services.NewBoltStore(*statePath)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	rt, err := session.NewRuntime(*relayURL, store, logger)
	if err != nil {
		log.Fatal(err)
	}
	rt.OnDelta = func(_, delta string) {
		fmt.Print(delta)
	}

	// The current session never survives a reload.
	rt.NewSession()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	fmt.Println("glmchat: type a message, or /help for commands")

	var attachments []models.Attachment

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := runCommand(ctx, rt, line, &attachments); quit {
				break
			}
			continue
		}

		if err := rt.Submit(ctx, line, attachments); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		attachments = nil
		fmt.Println()

		if ctx.Err() != nil {
			break
		}
	}
}

func runCommand(ctx context.Context, rt *session.Runtime, line string, attachments *[]models.Attachment) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Println(`commands:
  /new              start a new conversation
  /sessions         list conversations
  /switch <id>      switch to a conversation by id prefix
  /history          show the current conversation
  /clear            clear the current conversation
  /retry            regenerate the last assistant message
  /attach <path>    attach a file to the next message
  /quit             exit`)

	case "/new":
		s := rt.NewSession()
		fmt.Printf("started %s\n", s.ID)

	case "/sessions":
		current, _ := rt.Current()
		for _, s := range rt.Sessions() {
			marker := " "
			if s.ID == current.ID {
				marker = "*"
			}
			fmt.Printf("%s %s  %s (%d messages)\n", marker, s.ID[:8], s.Title, len(s.Messages))
		}

	case "/switch":
		if arg == "" {
			fmt.Fprintln(os.Stderr, "usage: /switch <id>")
			break
		}
		if !switchSession(rt, arg) {
			fmt.Fprintf(os.Stderr, "no session matching %q\n", arg)
		}

	case "/history":
		current, ok := rt.Current()
		if !ok {
			fmt.Fprintln(os.Stderr, "no current session")
			break
		}
		for _, msg := range current.Messages {
			fmt.Printf("[%s] %s\n", msg.Role, msg.Content)
		}

	case "/clear":
		if err := rt.ClearMessages(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}

	case "/retry":
		current, ok := rt.Current()
		if !ok || len(current.Messages) == 0 {
			fmt.Fprintln(os.Stderr, "nothing to retry")
			break
		}
		last := current.Messages[len(current.Messages)-1]
		if err := rt.Retry(ctx, last.ID); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}
		fmt.Println()

	case "/attach":
		if arg == "" {
			fmt.Fprintln(os.Stderr, "usage: /attach <path>")
			break
		}
		content, err := os.ReadFile(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}
		*attachments = append(*attachments, models.Attachment{
			Name:     filepath.Base(arg),
			MimeType: mime.TypeByExtension(filepath.Ext(arg)),
			Content:  string(content),
		})
		fmt.Printf("attached %s\n", filepath.Base(arg))

	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", cmd)
	}

	return false
}

func switchSession(rt *session.Runtime, prefix string) bool {
	for _, s := range rt.Sessions() {
		if strings.HasPrefix(s.ID, prefix) {
			if err := rt.SetCurrent(s.ID); err == nil {
				fmt.Printf("switched to %s\n", s.Title)
				return true
			}
		}
	}
	return false
}

func defaultStatePath() string {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "glmchat.db"
	}
	return filepath.Join(cfgDir, "glmchat", "state.db")
}
