package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"datacontext/pkg/domain"
)

func printDocument(cmd *cobra.Command, opts *rootOptions, doc domain.Document) error {
	if opts.Format == "json" {
		return writeJSON(cmd, doc)
	}
	raw, err := doc.CanonicalJSON()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
	return err
}

func printDocuments(cmd *cobra.Command, opts *rootOptions, docs []domain.Document) error {
	if opts.Format == "json" {
		return writeJSON(cmd, docs)
	}
	for _, doc := range docs {
		if err := printDocument(cmd, opts, doc); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "%d document(s)\n", len(docs))
	return err
}

func printStatus(cmd *cobra.Command, opts *rootOptions, op string, n int) error {
	if opts.Format == "json" {
		return writeJSON(cmd, map[string]any{"operation": op, "count": n, "table": opts.Table})
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: %d document(s) in %s\n", op, n, opts.Table)
	return err
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
