package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/harness/internal/llm"
	"github.com/joescharf/harness/internal/models"
	"github.com/joescharf/harness/internal/store"
)

var (
	importUseLLM bool
	importLabels []string
)

var itemImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import work items from a markdown file",
	Long: `Import work items from a markdown task list.

Numbered and bulleted lines become items. "## Heading" sections add the
heading as a label, and sub-items like "1.1 text" carry their parent line
in the description. Each item also gets a kind label (bug, chore, feature)
and a priority inferred from its title.

With --llm the file is sent to Claude for extraction instead. That needs
ANTHROPIC_API_KEY or anthropic.api_key in config.

Items whose title matches an open item are skipped, so importing the same
file twice is safe.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return itemImportRun(cmd.Context(), args[0])
	},
}

func init() {
	itemImportCmd.Flags().BoolVar(&importUseLLM, "llm", false, "Extract items with the LLM instead of the markdown parser")
	itemImportCmd.Flags().StringSliceVarP(&importLabels, "label", "l", nil, "Labels added to every imported item")
	itemCmd.AddCommand(itemImportCmd)
}

func itemImportRun(ctx context.Context, file string) error {
	ctx = ctxOrBackground(ctx)
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	content := string(data)
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("file is empty: %s", file)
	}

	var extracted []llm.ExtractedItem
	if importUseLLM {
		key := anthropicKey()
		if key == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY not set (set env var or anthropic.api_key in config)")
		}
		model := viper.GetString("anthropic.model")
		ui.Info("Extracting items with LLM (%s)...", model)
		extracted, err = llm.NewClient(key, model).ExtractItems(ctx, content, importLabels)
		if err != nil {
			return fmt.Errorf("extract items: %w", err)
		}
	} else {
		extracted = parseMarkdownItems(content)
	}

	if len(extracted) == 0 {
		ui.Info("No items found in file.")
		return nil
	}

	// Preview table
	table := ui.Table([]string{"#", "Title", "Priority", "Labels"})
	for i, e := range extracted {
		_ = table.Append([]string{
			fmt.Sprintf("%d", i+1),
			truncate(e.Title, 60),
			e.Priority,
			strings.Join(mergeLabels(e.Labels, importLabels), ","),
		})
	}
	_ = table.Render()

	if dryRun {
		ui.DryRunMsg("Would create up to %d items", len(extracted))
		return nil
	}

	s, err := getStore()
	if err != nil {
		return err
	}
	return createExtractedItems(ctx, s, extracted, importLabels)
}

// parseSubItemNumber checks if a line starts with a sub-item number like "1.1" or "2.3."
// Returns the title text and true if it's a sub-item, or empty and false otherwise.
func parseSubItemNumber(line string) (title string, ok bool) {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(line) || line[i] != '.' {
		return "", false
	}
	i++
	start := i
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == start {
		return "", false // "1. text" is a regular item
	}
	if i < len(line) && line[i] == '.' {
		i++
	}
	if i >= len(line) || line[i] != ' ' {
		return "", false
	}
	title = strings.TrimSpace(line[i:])
	if title == "" {
		return "", false
	}
	return title, true
}

// listItemTitle returns the text of a "1. text", "- text" or "* text" line.
func listItemTitle(line string) (title string, numbered bool) {
	if len(line) <= 2 {
		return "", false
	}
	for i, c := range line {
		if c == '.' && i > 0 && i < 4 {
			return strings.TrimSpace(line[i+1:]), true
		}
		if c < '0' || c > '9' {
			break
		}
	}
	if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") {
		return strings.TrimSpace(line[2:]), false
	}
	return "", false
}

// sectionLabel turns a "## Heading" into a label: "Merge Queue" -> "merge-queue".
func sectionLabel(heading string) string {
	fields := strings.FieldsFunc(strings.ToLower(heading), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return strings.Join(fields, "-")
}

// parseMarkdownItems does a simple parse of markdown to extract numbered/bulleted items.
func parseMarkdownItems(content string) []llm.ExtractedItem {
	var items []llm.ExtractedItem
	section := ""
	lastParentLine := "" // raw line of the last top-level numbered item

	newItem := func(title, description string) llm.ExtractedItem {
		labels := []string{classifyItemKind(title)}
		if section != "" {
			labels = append(labels, section)
		}
		return llm.ExtractedItem{
			Title:       title,
			Description: description,
			Priority:    string(classifyItemPriority(title)),
			Labels:      labels,
		}
	}

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)

		if strings.HasPrefix(line, "## ") {
			section = sectionLabel(strings.TrimPrefix(line, "## "))
			lastParentLine = ""
			continue
		}

		if subTitle, ok := parseSubItemNumber(line); ok {
			description := line
			if lastParentLine != "" {
				description = lastParentLine + "\n" + line
			}
			items = append(items, newItem(subTitle, description))
			continue
		}

		title, numbered := listItemTitle(line)
		if title == "" {
			continue
		}
		// Only numbered items can be parents of sub-items.
		if numbered {
			lastParentLine = line
		}
		items = append(items, newItem(title, line))
	}

	return items
}

func mergeLabels(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, l := range append(append([]string{}, a...), b...) {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

// createExtractedItems adds extracted items to the ledger, skipping titles
// that already belong to an open item or repeat within the batch.
func createExtractedItems(ctx context.Context, s store.Store, extracted []llm.ExtractedItem, extraLabels []string) error {
	existing := make(map[string]bool)
	for _, st := range []models.HookState{models.HookStateReady, models.HookStateInProgress} {
		items, err := s.ListItems(ctx, store.ItemFilter{State: st})
		if err != nil {
			return fmt.Errorf("list items: %w", err)
		}
		for _, it := range items {
			existing[strings.ToLower(it.Title)] = true
		}
	}

	created, skipped := 0, 0
	for _, e := range extracted {
		key := strings.ToLower(strings.TrimSpace(e.Title))
		if existing[key] {
			ui.VerboseLog("Skipping %q: already queued", e.Title)
			skipped++
			continue
		}

		priority := models.Priority(strings.ToLower(e.Priority))
		if !priority.Valid() {
			priority = models.PriorityMedium
		}
		item := &models.WorkItem{
			Title:       strings.TrimSpace(e.Title),
			Description: e.Description,
			Priority:    priority,
			Labels:      mergeLabels(e.Labels, extraLabels),
		}
		if err := models.Validate(item); err != nil {
			ui.Warning("Skipping %q: %v", e.Title, err)
			skipped++
			continue
		}
		if err := s.CreateItem(ctx, item); err != nil {
			ui.Warning("Failed to create item %q: %v", e.Title, err)
			skipped++
			continue
		}
		existing[key] = true
		created++
	}

	ui.Success("Created %d items", created)
	if skipped > 0 {
		ui.Warning("Skipped %d items", skipped)
	}
	return nil
}
