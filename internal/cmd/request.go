package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/neetbox/client"
)

var (
	requestRoot string
	requestData string
)

var requestCmd = &cobra.Command{
	Use:   "request <method> <api>",
	Short: "Issue an HTTP request to the daemon API",
	Long: `Issue one HTTP request to the daemon and print the response body.

Examples:
  neetbox request GET /status
  neetbox request POST /web/runs --data '{"name": "demo"}'`,
	Args: cobra.ExactArgs(2),
	RunE: runRequest,
}

func init() {
	rootCmd.AddCommand(requestCmd)
	requestCmd.Flags().StringVar(&requestRoot, "root", "", "Send the request to this base URL instead of the daemon")
	requestCmd.Flags().StringVar(&requestData, "data", "", "JSON request body")
}

func runRequest(cmd *cobra.Command, args []string) error {
	method := strings.ToUpper(args[0])
	api := args[1]

	var opts []client.RequestOption
	if requestRoot != "" {
		opts = append(opts, client.WithRoot(requestRoot))
	}
	if requestData != "" {
		if !json.Valid([]byte(requestData)) {
			return fmt.Errorf("invalid --data: not JSON")
		}
		opts = append(opts, client.WithBody(bytes.NewReader([]byte(requestData)), "application/json"))
	}

	p, err := openProject()
	if err != nil {
		return err
	}
	defer p.Close()

	resp, err := p.Manager().Request(cmd.Context(), method, api, opts...)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(cmd.OutOrStdout(), resp.Body); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &client.TransportError{
			Method:     method,
			URL:        resp.Request.URL.String(),
			StatusCode: resp.StatusCode,
		}
	}
	return nil
}
