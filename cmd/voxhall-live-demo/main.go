// Command voxhall-live-demo is a terminal client for a Voxhall backend.
//
// Usage:
//
//	go run ./cmd/voxhall-live-demo -url https://chat.example.com
//
// Environment variables (a .env file is honored):
//
//	VOXHALL_SITE_TOKEN - site token for the backend (required)
//	VOXHALL_API_URL    - backend base URL (or pass -url)
//
// Controls:
//
//	/v          - Start or stop voice input
//	/lang <tag> - Switch session language
//	/tts        - Toggle spoken responses
//	/clear      - Clear the conversation
//	q           - Quit
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	voxhall "github.com/voxhall/voxhall-go/sdk"
)

func main() {
	_ = godotenv.Load()

	apiURL := flag.String("url", os.Getenv("VOXHALL_API_URL"), "backend base URL")
	language := flag.String("lang", "en", "initial session language")
	tts := flag.Bool("tts", true, "enable spoken responses")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	siteToken := os.Getenv("VOXHALL_SITE_TOKEN")
	if siteToken == "" {
		fmt.Fprintln(os.Stderr, "VOXHALL_SITE_TOKEN required")
		os.Exit(1)
	}
	if *apiURL == "" {
		fmt.Fprintln(os.Stderr, "backend URL required (-url or VOXHALL_API_URL)")
		os.Exit(1)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	session := voxhall.New(siteToken,
		voxhall.WithAPIURL(*apiURL),
		voxhall.WithLanguage(*language),
		voxhall.WithTTS(*tts),
		voxhall.WithLogger(logger),
	)
	defer session.Destroy()

	session.OnChange(func(snap voxhall.ConversationSnapshot) {
		if len(snap.Turns) == 0 {
			return
		}
		last := snap.Turns[len(snap.Turns)-1]
		switch {
		case last.Role == voxhall.RoleBot && last.Sealed:
			fmt.Printf("\rbot: %s\n> ", last.RawContent)
		case last.Role == voxhall.RoleUser && last.Source == voxhall.SourceVoice && !last.Sealed:
			fmt.Printf("\ryou (speaking): %s", last.DisplayContent)
		}
	})
	session.OnError(func(err *voxhall.Error) {
		fmt.Printf("\rsession error: %v\n> ", err)
	})

	if err := session.Init(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("connected (session %s)\n", session.SessionID())
	fmt.Println("type a message, /v for voice, q to quit")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		session.Destroy()
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "q":
			return
		case line == "/v":
			if session.Recording() {
				if err := session.StopVoiceInput(); err != nil {
					fmt.Printf("stop voice: %v\n", err)
				} else {
					fmt.Println("voice input stopped")
				}
			} else if err := session.StartVoiceInput(); err != nil {
				fmt.Printf("start voice: %v\n", err)
			} else {
				fmt.Println("listening (auto-stops on silence, /v to stop)")
			}
		case strings.HasPrefix(line, "/lang "):
			lang := strings.TrimSpace(strings.TrimPrefix(line, "/lang "))
			if err := session.SetLanguage(lang); err != nil {
				fmt.Printf("set language: %v\n", err)
			} else {
				fmt.Printf("language set to %s\n", lang)
			}
		case line == "/tts":
			*tts = !*tts
			if err := session.SetTTSEnabled(*tts); err != nil {
				fmt.Printf("set tts: %v\n", err)
			} else {
				fmt.Printf("tts enabled: %v\n", *tts)
			}
		case line == "/clear":
			session.ClearConversation()
			fmt.Println("conversation cleared")
		case line != "":
			if err := session.SendText(line); err != nil {
				fmt.Printf("send: %v\n", err)
			}
		}
		fmt.Print("> ")
	}
}
