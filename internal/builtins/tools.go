// ABOUTME: Core local tools available without any upstream: ping and echo.
// ABOUTME: Handlers follow the catalog's JSON-in/JSON-out local tool contract.

package builtins

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389/toolgate/internal/catalog"
)

// CoreTools returns the ping and echo tools.
func CoreTools() []*catalog.LocalTool {
	return []*catalog.LocalTool{
		{
			Name:        "ping",
			Description: "Check that the gateway is answering tool calls",
			Schema:      json.RawMessage(`{"type":"object","properties":{}}`),
			Handler:     ping,
		},
		{
			Name:        "echo",
			Description: "Return the given text unchanged",
			Schema:      json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
			Handler:     echo,
		},
	}
}

func ping(context.Context, json.RawMessage) (json.RawMessage, error) {
	return json.Marshal("pong")
}

type echoInput struct {
	Text string `json:"text"`
}

func echo(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in echoInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return json.Marshal(in.Text)
}
