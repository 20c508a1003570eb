// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/northstarhq/northstar/pkg/streamclient"
	"github.com/northstarhq/northstar/services/coach/datatypes"
)

var (
	resumeConversation string
	coachOpens         bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive coaching session",
	Run:   runChatCommand,
}

func init() {
	chatCmd.Flags().StringVar(&resumeConversation, "resume", "", "Resume an existing conversation by ID")
	chatCmd.Flags().BoolVar(&coachOpens, "coach-opens", false, "Let the coach send the first message")
}

func runChatCommand(cmd *cobra.Command, args []string) {
	conversationID := resumeConversation
	if conversationID == "" {
		conversationID = uuid.NewString()
		fmt.Printf("New conversation: %s\n", conversationID)
	} else {
		fmt.Printf("Resuming conversation: %s\n", conversationID)
	}

	client := streamclient.New(streamclient.Options{
		BaseURL: serverURL,
		Token:   authToken,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if coachOpens {
		if !runTurn(ctx, client, conversationID, "", true) {
			return
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\nyou> ")
		if !scanner.Scan() {
			return
		}
		message := strings.TrimSpace(scanner.Text())
		if message == "" {
			continue
		}
		if message == "/quit" || message == "/exit" {
			return
		}
		if !runTurn(ctx, client, conversationID, message, false) {
			return
		}
	}
}

// runTurn streams one coaching turn to the terminal. Returns false when
// the session cannot continue (cancellation or a hard rejection).
func runTurn(ctx context.Context, client *streamclient.Client, conversationID, message string, first bool) bool {
	req := datatypes.CoachTurnRequest{
		RequestID:      uuid.NewString(),
		Timestamp:      time.Now().UnixMilli(),
		ConversationID: conversationID,
		Message:        message,
		FirstMessage:   first,
	}

	fmt.Print("\ncoach> ")
	err := client.StreamTurn(ctx, req, streamclient.Callbacks{
		OnToken: func(ev datatypes.TokenEvent) {
			fmt.Print(ev.Content)
		},
		OnDone: func(ev datatypes.DoneEvent) {
			fmt.Println()
			if ev.DiscoveryComplete {
				fmt.Println("\n[discovery complete - your coaching profile is ready]")
			}
			if ev.CrisisDetected {
				fmt.Println("\n[if you're in immediate danger, call or text 988]")
			}
		},
		OnError: func(ev datatypes.ErrorEvent) {
			fmt.Printf("\n%s\n", ev.Message)
		},
	})
	if ctx.Err() != nil {
		fmt.Println("\nSession ended.")
		return false
	}
	if err != nil {
		var rl *streamclient.RateLimitError
		if errors.As(err, &rl) {
			fmt.Printf("\n%s\n", rl.Message)
			if rl.RemainingUntilReset != nil {
				fmt.Printf("Your allowance resets at %s.\n", *rl.RemainingUntilReset)
			}
			return true
		}
		var sr *streamclient.SubscriptionRequiredError
		if errors.As(err, &sr) {
			fmt.Println("\nYour discovery session is complete. Subscribe to continue coaching.")
			return false
		}
		fmt.Printf("\nConnection problem: %v\n", err)
		return true
	}
	return true
}
