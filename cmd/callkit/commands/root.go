package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/mockmate/callkit/internal/call"
	"github.com/mockmate/callkit/internal/config"
	"github.com/mockmate/callkit/internal/store"
)

var (
	configPath string
	selfID     string
	storeURL   string
	storeToken string
	verbose    bool

	cfg       config.Config
	st        store.Adapter
	client    *call.Client
	stopWatch func() error
)

func Execute() error {
	root := &cobra.Command{
		Use:           "callkit",
		Short:         "Serverless two-party video calls over a shared realtime store",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logging.SetAllLoggers(logging.LevelDebug)
			} else {
				logging.SetAllLoggers(logging.LevelInfo)
			}

			if configPath == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				configPath = filepath.Join(dir, ".callkit", "config.json")
			}
			if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
				return err
			}

			var err error
			cfg, _, err = config.Ensure(configPath, selfID)
			if err != nil {
				return err
			}
			if selfID != "" {
				cfg.Identity.ID = selfID
			}
			if storeURL != "" {
				cfg.Store.URL = storeURL
			}
			if storeToken != "" {
				cfg.Store.Token = storeToken
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			if cfg.Store.URL == "" {
				fmt.Fprintln(os.Stderr, "warning: no store.url configured, using an in-process store (single machine only)")
				st = store.NewMemory()
			} else {
				st, err = store.DialWS(cmd.Context(), cfg.Store.URL, cfg.Store.Token)
				if err != nil {
					return fmt.Errorf("connect store: %w", err)
				}
			}

			client, err = call.New(st, cfg)
			if err != nil {
				return err
			}

			// Config edits (e.g. new TURN servers) apply to future joins.
			stopWatch, err = config.Watch(configPath, client.ApplyConfig)
			if err != nil {
				fmt.Fprintf(os.Stderr, "warning: config watch disabled: %v\n", err)
				stopWatch = nil
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if stopWatch != nil {
				stopWatch()
			}
			if client != nil {
				client.Close(context.Background())
			}
			switch s := st.(type) {
			case *store.WS:
				s.Close()
			case *store.Memory:
				s.Close()
			}
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.callkit/config.json)")
	root.PersistentFlags().StringVar(&selfID, "id", "", "participant identity")
	root.PersistentFlags().StringVar(&storeURL, "store", "", "realtime store websocket URL")
	root.PersistentFlags().StringVar(&storeToken, "token", "", "store auth token")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(joinCmd(), chatCmd(), historyCmd())
	return root.Execute()
}
