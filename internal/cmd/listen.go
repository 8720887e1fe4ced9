package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/inercia/neetbox/internal/logging"
	"github.com/inercia/neetbox/protocol"
)

var listenCount int

var listenCmd = &cobra.Command{
	Use:   "listen <event-type>...",
	Short: "Print events pushed by the daemon",
	Long: `Connect to the daemon and print every event of the given types as one
JSON object per line, until interrupted.

Use --count to exit after a number of events:
  neetbox listen action --count 1`,
	Args: cobra.MinimumNArgs(1),
	RunE: runListen,
}

func init() {
	rootCmd.AddCommand(listenCmd)
	listenCmd.Flags().IntVar(&listenCount, "count", 0, "Exit after this many events (0 means never)")
}

func runListen(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	received := 0

	// Handlers run on the session goroutine, one event at a time.
	handler := func(env protocol.EventEnvelope) error {
		if err := enc.Encode(env); err != nil {
			return err
		}
		received++
		if listenCount > 0 && received >= listenCount {
			cancel()
		}
		return nil
	}
	m := p.Manager()
	for _, eventType := range args {
		m.Subscribe(eventType, "cli.listen", handler)
	}

	if err := p.Watch(); err != nil {
		logging.Project().Warn("Not watching workspace file", "error", err)
	}
	if !p.Connect() {
		return fmt.Errorf("not connecting from inside the daemon process")
	}

	<-ctx.Done()
	return nil
}
