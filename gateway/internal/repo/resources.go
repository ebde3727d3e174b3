package repo

import (
	"context"
	"encoding/json"
	"fmt"
)

// Agent is a registered remote agent.
type Agent struct {
	ResourceType string         `json:"resourceType"`
	ID           string         `json:"id"`
	Name         string         `json:"name,omitempty"`
	Status       string         `json:"status,omitempty"` // "active" or "off"
	Channel      []AgentChannel `json:"channel,omitempty"`
}

// AgentChannel describes one listener on the agent side.
type AgentChannel struct {
	Name            string         `json:"name"`
	Endpoint        map[string]any `json:"endpoint,omitempty"`
	TargetReference map[string]any `json:"targetReference,omitempty"`
}

// Bot is a server-side script the execution engine runs.
type Bot struct {
	ResourceType   string `json:"resourceType"`
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	RuntimeVersion string `json:"runtimeVersion,omitempty"`
	Code           string `json:"code,omitempty"`
}

// ReadAgent reads and decodes an Agent.
func ReadAgent(ctx context.Context, r Reader, id string) (*Agent, error) {
	var a Agent
	if err := readTyped(ctx, r, "Agent", id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ReadBot reads and decodes a Bot.
func ReadBot(ctx context.Context, r Reader, id string) (*Bot, error) {
	var b Bot
	if err := readTyped(ctx, r, "Bot", id, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func readTyped(ctx context.Context, r Reader, resourceType, id string, v any) error {
	res, err := r.ReadResource(ctx, resourceType, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(res.Content, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", resourceType, id, err)
	}
	return nil
}
