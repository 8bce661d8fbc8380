package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"datacontext/pkg/domain"
)

func newPutCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put <json-document>...",
		Short: "Insert or replace documents",
		Long: `Insert or replace documents in one submit.

Example:
  datactl --table books --hash-key author --range-key title put '{"author":"ann","title":"Dune"}'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs := make([]domain.Document, 0, len(args))
			for _, arg := range args {
				doc, err := domain.DecodeDocument([]byte(arg))
				if err != nil {
					return fmt.Errorf("invalid document %s: %w", arg, err)
				}
				docs = append(docs, doc)
			}
			s, err := openSession(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			for i := range docs {
				if _, err := s.table.Schema().KeyOf(docs[i]); err != nil {
					return fmt.Errorf("document %d: %w", i+1, err)
				}
				s.table.AddNewEntity(&docs[i])
			}
			if err := s.dc.SubmitChanges(cmd.Context()); err != nil {
				return err
			}
			return printStatus(cmd, opts, "put", len(docs))
		},
	}
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <hash> [range]",
		Short: "Fetch one document by key",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			doc, err := s.table.Find(cmd.Context(), keyArgs(args)...)
			if err != nil {
				return err
			}
			return printDocument(cmd, opts, *doc)
		},
	}
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <hash> [range]",
		Short: "Delete one document by key",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			doc, err := s.table.Find(cmd.Context(), keyArgs(args)...)
			if err != nil {
				return err
			}
			s.table.RemoveEntity(doc)
			if err := s.dc.SubmitChanges(cmd.Context()); err != nil {
				return err
			}
			return printStatus(cmd, opts, "delete", 1)
		},
	}
}

func newQueryCommand(opts *rootOptions) *cobra.Command {
	var where []string
	var prefix []string
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List documents matching all conditions",
		Long: `List documents matching all conditions.

Example:
  datactl --table books --hash-key author --range-key title query --where author=ann --begins-with title=D`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := domain.NewQuery()
			for _, raw := range where {
				field, v, err := parseCondition(raw)
				if err != nil {
					return err
				}
				q = q.Where(field, domain.Eq(v))
			}
			for _, raw := range prefix {
				field, v, err := parseCondition(raw)
				if err != nil {
					return err
				}
				q = q.Where(field, domain.Condition{Op: domain.OpBeginsWith, Values: []domain.KeyValue{v}})
			}
			s, err := openSession(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			results, err := s.table.All(cmd.Context(), q)
			if err != nil {
				return err
			}
			docs := make([]domain.Document, 0, len(results))
			for _, r := range results {
				docs = append(docs, *r)
			}
			return printDocuments(cmd, opts, docs)
		},
	}
	cmd.Flags().StringArrayVar(&where, "where", nil, "equality condition field=value (repeatable)")
	cmd.Flags().StringArrayVar(&prefix, "begins-with", nil, "prefix condition field=value (repeatable)")
	return cmd
}

// keyArg treats numeric text as a number key and anything else as a string.
func keyArg(s string) any {
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return json.Number(s)
	}
	return s
}

func keyArgs(args []string) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = keyArg(a)
	}
	return out
}

func parseCondition(raw string) (string, domain.KeyValue, error) {
	field, value, ok := strings.Cut(raw, "=")
	if !ok || field == "" || value == "" {
		return "", domain.KeyValue{}, fmt.Errorf("invalid condition %q: want field=value", raw)
	}
	v, err := domain.KeyValueOf(keyArg(value))
	if err != nil {
		return "", domain.KeyValue{}, fmt.Errorf("invalid condition %q: %w", raw, err)
	}
	return field, v, nil
}
