package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mockmate/callkit/internal/call"
)

// join <peer>: join the call session with a peer and keep it up until
// "quit" or Ctrl-C. Media controls run as a tiny stdin command loop.
func joinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <peer>",
		Short: "Join the video session with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer := args[0]

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sess, err := client.JoinSession(ctx, peer, peer)
			if err != nil {
				return err
			}
			defer client.EndSession(context.Background(), peer)

			fmt.Printf("joined session %s as %s\n", sess.Key(), sess.Role())

			go func() {
				for e := range sess.Events() {
					if e.Err != nil {
						fmt.Printf("! %v\n", e.Err)
						continue
					}
					fmt.Printf("* session %s\n", e.State)
				}
			}()

			go mediaLoop(ctx, sess, stop)

			<-ctx.Done()
			fmt.Println("hanging up")
			return nil
		},
	}
}

func mediaLoop(ctx context.Context, sess *call.Session, stop func()) {
	fmt.Println("commands: mic | cam | screen | camera | status | quit")
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		switch strings.TrimSpace(sc.Text()) {
		case "mic":
			on, err := sess.Media().ToggleMic()
			report("mic", on, err)
		case "cam":
			on, err := sess.Media().ToggleCam()
			report("cam", on, err)
		case "screen":
			if err := sess.Media().SwitchToScreen(ctx); err != nil {
				fmt.Printf("! screen: %v\n", err)
			} else {
				fmt.Println("* sharing screen")
			}
		case "camera":
			if err := sess.Media().SwitchToCamera(); err != nil {
				fmt.Printf("! camera: %v\n", err)
			} else {
				fmt.Println("* back to camera")
			}
		case "status":
			ms := sess.Media().State()
			fmt.Printf("* session=%s mic=%v cam=%v source=%s\n",
				sess.State(), ms.MicEnabled, ms.CamEnabled, ms.VideoSource)
		case "quit":
			stop()
			return
		case "":
		default:
			fmt.Println("commands: mic | cam | screen | camera | status | quit")
		}
	}
}

func report(what string, on bool, err error) {
	fmt.Print(reportLine(what, on, err))
}

// reportLine renders the outcome of a toggle for the command loop.
func reportLine(what string, on bool, err error) string {
	if err != nil {
		return fmt.Sprintf("! %s: %v\n", what, err)
	}
	return fmt.Sprintf("* %s enabled=%v\n", what, on)
}
