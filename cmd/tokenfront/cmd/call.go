package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"github.com/dgellow/tokenfront/internal/manager"
	"github.com/dgellow/tokenfront/internal/session"
)

// toolsListPath tags the stashed call so login can recognize and replay it
const toolsListPath = "tools/list"

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Connect to the API with the current credential and list its tools",
	Long: `Demonstrates the downstream-client handoff: builds an MCP client
against apiBaseURL authorized with the short-lived credential, initializes
it, and lists the tools it exposes.

When no session exists the attempted call is saved and resumed
automatically after the next successful login.`,
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	m, cfg, cleanup, err := buildManager(nil)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.APIBaseURL == "" {
		return fmt.Errorf("apiBaseURL is not configured")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if !m.CheckAuthStatus().IsAuthenticated {
		return stashForLogin(m)
	}
	if _, err := m.EnsureFresh(ctx); err != nil {
		if errors.Is(err, manager.ErrNotAuthenticated) {
			return stashForLogin(m)
		}
		return fmt.Errorf("refreshing session: %w", err)
	}

	if err := listTools(ctx, m); err != nil {
		if errors.Is(err, manager.ErrNotAuthenticated) {
			return stashForLogin(m)
		}
		return err
	}
	return nil
}

// stashForLogin saves the attempted call so `tokenfront login` can replay it
func stashForLogin(m *manager.Manager) error {
	m.SaveRequestForResume(session.SavedRequest{Method: http.MethodPost, Path: toolsListPath})
	return fmt.Errorf("not logged in: run `tokenfront login` to authenticate and resume this call")
}

func listTools(ctx context.Context, m *manager.Manager) error {
	raw, err := m.NewDownstreamClient(func(cc manager.ClientConfig) (any, error) {
		return client.NewStreamableHttpClient(cc.BaseURL, transport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + cc.APIKey,
		}))
	})
	if err != nil {
		return err
	}
	mcpClient := raw.(*client.Client)
	defer mcpClient.Close()

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("starting client: %w", err)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "tokenfront",
		Version: buildVersion,
	}
	if _, err := mcpClient.Initialize(ctx, initRequest); err != nil {
		return fmt.Errorf("initializing client: %w", err)
	}

	toolsResult, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("listing tools: %w", err)
	}

	if len(toolsResult.Tools) == 0 {
		fmt.Println("No tools exposed")
		return nil
	}
	for _, tool := range toolsResult.Tools {
		fmt.Printf("%s\t%s\n", tool.Name, tool.Description)
	}
	return nil
}
