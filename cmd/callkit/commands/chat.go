package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mockmate/callkit/internal/chat"
	"github.com/mockmate/callkit/internal/util"
)

// chat <peer>: interactive message log with a peer. Messaging rides the
// shared store directly, so it works with or without a live call.
func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <peer>",
		Short: "Open the message log with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := util.ValidateParticipantID(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var history *chat.History
			if cfg.Chat.HistoryDir != "" {
				var err error
				if history, err = chat.OpenHistory(cfg.Chat.HistoryDir); err != nil {
					fmt.Fprintf(os.Stderr, "warning: history disabled: %v\n", err)
				} else {
					defer history.Close()
				}
			}

			key := util.ConversationKey(cfg.Identity.ID, peer)
			mgr := chat.NewManager(st, key, cfg.Identity.ID, cfg.Identity.DisplayName, peer, peer, history)
			mgr.Start()
			defer mgr.Close()

			updates, cancel := mgr.Subscribe()
			defer cancel()
			go func() {
				for msgs := range updates {
					render(msgs, cfg.Identity.ID)
				}
			}()

			fmt.Println("type a message, or: /edit <id> <text> | /delete <id> | /deleteall <id> | /quit")
			go chatLoop(ctx, mgr, stop)

			<-ctx.Done()
			return nil
		},
	}
}

func chatLoop(ctx context.Context, mgr *chat.Manager, stop func()) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := strings.TrimSpace(sc.Text())
		var err error
		switch {
		case line == "":
		case line == "/quit":
			stop()
			return
		case strings.HasPrefix(line, "/edit "):
			parts := strings.SplitN(strings.TrimPrefix(line, "/edit "), " ", 2)
			if len(parts) != 2 {
				fmt.Println("usage: /edit <id> <text>")
				continue
			}
			err = mgr.Edit(ctx, parts[0], parts[1])
		case strings.HasPrefix(line, "/delete "):
			err = mgr.Delete(ctx, strings.TrimPrefix(line, "/delete "), chat.DeleteForSelf)
		case strings.HasPrefix(line, "/deleteall "):
			err = mgr.Delete(ctx, strings.TrimPrefix(line, "/deleteall "), chat.DeleteForBoth)
		default:
			err = mgr.Send(ctx, line)
		}
		if err != nil {
			fmt.Printf("! %v\n", err)
		}
	}
}

func render(msgs []chat.Message, selfID string) {
	fmt.Print("\033[H\033[2J") // clear screen, redraw the full timeline
	for _, m := range msgs {
		who := m.SenderName
		if m.SenderID == selfID {
			who = "you"
		}
		ts := time.UnixMilli(m.Timestamp).Format("15:04:05")
		suffix := ""
		if m.Edited {
			suffix = " (edited)"
		}
		fmt.Printf("[%s] %s: %s%s  {%s}\n", ts, who, m.Text, suffix, m.ID)
	}
}
