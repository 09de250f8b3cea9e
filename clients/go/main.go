// chatrelay CLI - command line client for a chatrelay server
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/eldtechnologies/chatrelay/clients/go/chatrelay"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := chatrelay.NewClient(os.Getenv("CHATRELAY_URL"), os.Getenv("CHATRELAY_TOKEN"))
	client.ProviderKey = os.Getenv("CHATRELAY_PROVIDER_KEY")
	cmd := os.Args[1]

	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "models":
		resp, err := client.ListModels(ctx)
		exitOnError(err)
		for _, m := range resp.Models {
			fmt.Printf("  %-45s %7d ctx  %s\n", m.ID, m.ContextLength, m.Name)
		}
		fmt.Printf("%d models (cache: %s)\n", resp.Total, resp.Cache)

	case "chats":
		resp, err := client.ListChats(ctx, 20, 0)
		exitOnError(err)
		for _, c := range resp.Chats {
			fmt.Printf("  %s  %s (%d msgs)\n", c.ID, c.Title, c.MessageCount)
		}

	case "read":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: chatrelay read <chat_id>")
			os.Exit(1)
		}
		resp, err := client.GetChat(ctx, os.Args[2])
		exitOnError(err)
		fmt.Printf("# %s\n", resp.Chat.Title)
		for _, msg := range resp.Messages {
			ts := msg.CreatedAt.Local().Format("2006-01-02 15:04:05")
			status := ""
			if msg.Status != "complete" {
				status = " [" + msg.Status + "]"
			}
			fmt.Printf("[%s] %s%s: %s\n", ts, msg.Role, status, msg.Content)
		}

	case "ask":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: chatrelay ask <message> [chat_id]")
			os.Exit(1)
		}
		req := chatrelay.ChatRequest{
			Model:   os.Getenv("CHATRELAY_MODEL"),
			Message: chatrelay.ChatInput{Content: os.Args[2]},
		}
		if len(os.Args) > 3 {
			req.ChatID = os.Args[3]
		}
		res, err := client.Chat(ctx, req, func(ev chatrelay.Event) {
			if ev.Name == "delta" {
				fmt.Print(ev.Content)
			}
		})
		fmt.Println()
		exitOnError(err)
		if res.Usage != nil {
			fmt.Fprintf(os.Stderr, "chat %s, %d prompt + %d completion tokens\n",
				res.ChatID, res.Usage.PromptTokens, res.Usage.CompletionTokens)
		}

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(strings.TrimSpace(`
chatrelay CLI

Usage: chatrelay <command> [options]

Commands:
  ask <message> [chat]    Send a message and stream the reply
  chats                   List your chats
  read <chat>             Print a chat's messages
  models                  List available models
  health                  Check server health

Environment:
  CHATRELAY_URL           Server URL (default: http://localhost:8080)
  CHATRELAY_TOKEN         Bearer token (see cmd/token)
  CHATRELAY_PROVIDER_KEY  Optional upstream key
  CHATRELAY_MODEL         Model for ask (default: server default)`))
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
