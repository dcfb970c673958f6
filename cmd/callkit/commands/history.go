package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mockmate/callkit/internal/chat"
	"github.com/mockmate/callkit/internal/util"
)

// history <peer>: print the locally cached log of a conversation without
// touching the store.
func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <peer>",
		Short: "Show the cached message log of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := util.ValidateParticipantID(args[0])
			if err != nil {
				return err
			}
			if cfg.Chat.HistoryDir == "" {
				return fmt.Errorf("chat.history_dir is not configured")
			}

			h, err := chat.OpenHistory(cfg.Chat.HistoryDir)
			if err != nil {
				return err
			}
			defer h.Close()

			key := util.ConversationKey(cfg.Identity.ID, peer)
			msgs, err := h.Recent(key, limit)
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				fmt.Println("no cached messages")
				return nil
			}
			for _, m := range msgs {
				view := m.ViewFor(cfg.Identity.ID)
				ts := time.UnixMilli(view.Timestamp).Format("2006-01-02 15:04:05")
				fmt.Printf("[%s] %s: %s\n", ts, view.SenderName, view.Text)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max messages to show (0 = all)")
	return cmd
}
