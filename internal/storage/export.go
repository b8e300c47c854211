// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jeranaias/triage/internal/model"
)

// =============================================================================
// EXPORTERS
// =============================================================================

// Exporter writes a chat in one format.
type Exporter interface {
	Export(chat Chat, w io.Writer) error
	Extension() string
	ContentType() string
}

// NewExporter returns the exporter for a format name.
func NewExporter(format string) (Exporter, error) {
	switch strings.ToLower(format) {
	case "", "json":
		return JSONExporter{}, nil
	case "yaml", "yml":
		return YAMLExporter{}, nil
	case "md", "markdown":
		return MarkdownExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (supported: json, yaml, md)", format)
	}
}

// JSONExporter writes the full record as indented JSON.
type JSONExporter struct{}

// Export implements Exporter.
func (JSONExporter) Export(chat Chat, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(chat)
}

// Extension implements Exporter.
func (JSONExporter) Extension() string { return "json" }

// ContentType implements Exporter.
func (JSONExporter) ContentType() string { return "application/json" }

// YAMLExporter writes the full record as YAML.
type YAMLExporter struct{}

// Export implements Exporter.
func (YAMLExporter) Export(chat Chat, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer func() { _ = enc.Close() }()
	return enc.Encode(chat)
}

// Extension implements Exporter.
func (YAMLExporter) Extension() string { return "yaml" }

// ContentType implements Exporter.
func (YAMLExporter) ContentType() string { return "application/yaml" }

// MarkdownExporter writes a readable transcript. System records are
// included as quoted notes so the export stays a complete history.
type MarkdownExporter struct{}

// Export implements Exporter.
func (MarkdownExporter) Export(chat Chat, w io.Writer) error {
	title := chat.Title
	if title == "" {
		title = "Chat " + chat.ID
	}
	if _, err := fmt.Fprintf(w, "# %s\n\n", strings.ReplaceAll(title, "\n", " ")); err != nil {
		return err
	}
	fmt.Fprintf(w, "**Chat:** %s  \n", chat.ID)
	fmt.Fprintf(w, "**Created:** %s  \n", chat.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "**Messages:** %d\n\n---\n\n", len(chat.Messages))

	for i, msg := range chat.Messages {
		if msg.Role == model.RoleSystem {
			fmt.Fprintf(w, "> _%s_\n\n", msg.Content)
		} else {
			fmt.Fprintf(w, "**%s** (%s)\n\n%s\n\n", msg.Role.DisplayName(), msg.CreatedAt.Format("15:04"), msg.Content)
		}
		if i < len(chat.Messages)-1 {
			fmt.Fprint(w, "---\n\n")
		}
	}
	return nil
}

// Extension implements Exporter.
func (MarkdownExporter) Extension() string { return "md" }

// ContentType implements Exporter.
func (MarkdownExporter) ContentType() string { return "text/markdown; charset=utf-8" }
