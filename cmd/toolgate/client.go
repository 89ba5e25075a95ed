// ABOUTME: Client commands that talk to a running gateway over HTTP
// ABOUTME: tools uses the JSON API; call speaks MCP Streamable HTTP through mcp-go

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/2389/toolgate/internal/gateway"
)

// readToken returns the bearer token from TOOLGATE_TOKEN or the token file
// next to the config. An empty token means the gateway runs without auth.
func readToken(configPath string) string {
	if tok := os.Getenv("TOOLGATE_TOKEN"); tok != "" {
		return tok
	}
	data, err := os.ReadFile(filepath.Join(filepath.Dir(configPath), "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func runTools(ctx context.Context) error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/api/tools", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if tok := readToken(configPath); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("listing tools: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("listing tools: status %d", resp.StatusCode)
	}

	var listing struct {
		Tools []gateway.ToolInfo `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	gray := color.New(color.FgHiBlack)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, t := range listing.Tools {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, gray.Sprint(t.Source), t.Description)
	}
	return tw.Flush()
}

func runCall(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: toolgate call NAME [JSON]")
	}
	name := args[0]
	var arguments map[string]any
	if len(args) > 1 {
		if err := json.Unmarshal([]byte(args[1]), &arguments); err != nil {
			return fmt.Errorf("arguments must be a JSON object: %w", err)
		}
	}

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	var opts []transport.StreamableHTTPCOption
	if tok := readToken(configPath); tok != "" {
		opts = append(opts, transport.WithHTTPHeaders(map[string]string{"Authorization": "Bearer " + tok}))
	}
	c, err := client.NewStreamableHttpClient(fmt.Sprintf("http://%s/mcp", cfg.Server.HTTPAddr), opts...)
	if err != nil {
		return fmt.Errorf("creating MCP client: %w", err)
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("starting MCP client: %w", err)
	}

	var init mcpgo.InitializeRequest
	init.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcpgo.Implementation{Name: "toolgate-cli", Version: version}
	if _, err := c.Initialize(ctx, init); err != nil {
		return fmt.Errorf("initializing MCP session: %w", err)
	}

	var req mcpgo.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = arguments
	res, err := c.CallTool(ctx, req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", name, err)
	}

	for _, content := range res.Content {
		if text, ok := mcpgo.AsTextContent(content); ok {
			fmt.Println(text.Text)
			continue
		}
		raw, _ := json.Marshal(content)
		fmt.Println(string(raw))
	}
	if res.IsError {
		return fmt.Errorf("tool %s reported an error", name)
	}
	return nil
}
