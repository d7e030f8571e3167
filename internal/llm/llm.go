// Package llm wraps the Anthropic API for checkpoint narratives and for
// turning markdown task lists into work items.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/harness/internal/models"
)

// ExtractedItem holds a single work item extracted from markdown content.
type ExtractedItem struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    string   `json:"priority"`
	Labels      []string `json:"labels"`
}

// Client wraps the Anthropic API.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildSummaryPrompt constructs the prompts for a checkpoint narrative.
func buildSummaryPrompt(cp models.Checkpoint, results []models.SessionResult) (system string, user string) {
	system = `You write checkpoint notes for a human supervising autonomous coding agents. Given the checkpoint and the session results since the previous checkpoint, write 2-5 plain sentences covering:
- what was completed
- what failed and the most likely reason, quoting error text when useful
- what the human should look at before resuming

Rules:
- Plain text only, no markdown headings or bullet lists
- Do not restate the counts already shown in the summary line
- If nothing failed, say so in one short sentence`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Checkpoint reason: %s\n", cp.Reason)
	fmt.Fprintf(&sb, "Session number: %d\n", cp.SessionNumber)
	fmt.Fprintf(&sb, "Summary line: %s\n", cp.Summary)
	if cp.RedirectNotes != "" {
		fmt.Fprintf(&sb, "Human redirect notes: %s\n", cp.RedirectNotes)
	}
	if len(results) > 0 {
		sb.WriteString("\nSession results, oldest first:\n")
	}
	for _, r := range results {
		fmt.Fprintf(&sb, "- item %s: %s", r.ItemID, r.Outcome)
		if r.Summary != "" {
			fmt.Fprintf(&sb, "; summary: %s", r.Summary)
		}
		if r.Error != "" {
			fmt.Fprintf(&sb, "; error: %s", r.Error)
		}
		if len(r.FilesModified) > 0 {
			fmt.Fprintf(&sb, "; files: %s", strings.Join(r.FilesModified, ", "))
		}
		sb.WriteString("\n")
	}
	user = sb.String()
	return
}

// Summarize returns a short narrative for a checkpoint.
func (c *Client) Summarize(ctx context.Context, cp models.Checkpoint, results []models.SessionResult) (string, error) {
	systemPrompt, userPrompt := buildSummaryPrompt(cp, results)
	text, err := c.complete(ctx, systemPrompt, userPrompt, 1024)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// buildExtractPrompt constructs the prompts for work item extraction.
func buildExtractPrompt(content string, labels []string) (system string, user string) {
	system = `You extract work items for autonomous coding agents from markdown content. Return ONLY a JSON array of objects with these fields:
- "title": concise imperative title
- "description": what the agent should do and how to tell it is done; include any sub-bullets that belong to the item
- "priority": one of "low", "medium", "high"
- "labels": array of short lowercase labels, may be empty

Rules:
- Each numbered/bulleted item is one work item
- Default priority to "medium" unless context suggests otherwise
- Prefer labels from the known labels list when they fit
- Never create placeholder items like "none" or "N/A"
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	if len(labels) > 0 {
		sb.WriteString("Known labels: ")
		sb.WriteString(strings.Join(labels, ", "))
		sb.WriteString("\n\n")
	}
	sb.WriteString("Extract work items from this markdown:\n\n")
	sb.WriteString(content)
	user = sb.String()
	return
}

// ExtractItems sends markdown content to the LLM and returns work items.
func (c *Client) ExtractItems(ctx context.Context, content string, labels []string) ([]ExtractedItem, error) {
	systemPrompt, userPrompt := buildExtractPrompt(content, labels)
	text, err := c.complete(ctx, systemPrompt, userPrompt, 4096)
	if err != nil {
		return nil, err
	}

	var items []ExtractedItem
	if err := json.Unmarshal([]byte(stripFence(text)), &items); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	return items, nil
}

func (c *Client) complete(ctx context.Context, system, user string, maxTokens int64) (string, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in API response")
}

// stripFence removes a surrounding markdown code fence.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.SplitN(text, "\n", 2)
	if len(lines) > 1 {
		text = lines[1]
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
