package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/neetbox/client"
	"github.com/inercia/neetbox/internal/logging"
)

var (
	sendPayload string
	sendWait    time.Duration
	sendEventID int64
)

var sendCmd = &cobra.Command{
	Use:   "send <event-type>",
	Short: "Send one event to the daemon",
	Long: `Connect to the daemon, wait for the handshake and send one event.

Examples:
  neetbox send metric --payload '{"loss": 0.25}'
  neetbox send action --payload '{"name": "stop"}' --wait 10s`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendPayload, "payload", "{}", "Event payload as a JSON object")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 5*time.Second, "How long to wait for the daemon handshake")
	sendCmd.Flags().Int64Var(&sendEventID, "event-id", -1, "Correlation id of the event")
}

func runSend(cmd *cobra.Command, args []string) error {
	eventType := args[0]

	var payload map[string]any
	if err := json.Unmarshal([]byte(sendPayload), &payload); err != nil {
		return fmt.Errorf("invalid --payload: %w", err)
	}

	p, err := openProject()
	if err != nil {
		return err
	}
	defer p.Close()

	if !p.Connect() {
		return fmt.Errorf("not connecting from inside the daemon process")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), sendWait)
	defer cancel()
	m := p.Manager()
	if err := m.WaitReady(ctx); err != nil {
		return fmt.Errorf("daemon at %s not ready: %w", m.SocketURL(), err)
	}

	if !m.Send(eventType, payload, client.WithEventID(sendEventID)) {
		return fmt.Errorf("failed to send %q event", eventType)
	}
	logging.Project().Info("Event sent", "event_type", eventType, "run_id", p.RunID())
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %s event for run %s\n", eventType, p.RunID())
	return nil
}
