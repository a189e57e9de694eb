package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"marginalia/api/internal/ledger"
	"marginalia/api/internal/recovery"
)

const recordPrefix = "comment-"

var (
	recoveryBackend string
	recoveryPath    string
	redisURL        string
)

func init() {
	recoveryCmd.PersistentFlags().StringVar(&recoveryBackend, "backend", cfg.RecoveryBackend, "recovery backend: pebble or redis")
	recoveryCmd.PersistentFlags().StringVar(&recoveryPath, "path", cfg.RecoveryPath, "pebble directory")
	recoveryCmd.PersistentFlags().StringVar(&redisURL, "redis-url", cfg.RedisURL, "redis connection URL")

	recoveryCmd.AddCommand(recoveryListCmd, recoveryGetCmd)
	rootCmd.AddCommand(recoveryCmd)
}

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Inspect the comment recovery records",
}

var recoveryListCmd = &cobra.Command{
	Use:   "list [document-id]",
	Short: "List the threads with recovery records for a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		side, closeFn, err := openSide()
		if err != nil {
			return err
		}
		defer closeFn()
		return listRecords(cmd.OutOrStdout(), recovery.NewScoped(side, args[0]))
	},
}

var recoveryGetCmd = &cobra.Command{
	Use:   "get [document-id] [thread-id]",
	Short: "Print the recovered comments of one thread",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		side, closeFn, err := openSide()
		if err != nil {
			return err
		}
		defer closeFn()
		return printRecord(cmd.OutOrStdout(), recovery.NewScoped(side, args[0]), args[1])
	},
}

type sideStore interface {
	recovery.Store
	recovery.Lister
}

func openSide() (sideStore, func(), error) {
	switch recoveryBackend {
	case "redis":
		if strings.TrimSpace(redisURL) == "" {
			return nil, nil, errors.New("--redis-url is required for the redis backend")
		}
		rs, err := recovery.NewRedisStore(redisURL)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil
	case "pebble":
		ps, err := recovery.OpenPebble(recoveryPath, log)
		if err != nil {
			return nil, nil, err
		}
		return ps, func() { _ = ps.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported backend %q", recoveryBackend)
	}
}

func listRecords(w io.Writer, scoped *recovery.Scoped) error {
	keys, err := scoped.Keys(recordPrefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Fprintln(w, "no recovery records")
		return nil
	}
	for _, key := range keys {
		comments, err := readRecord(scoped, key)
		if err != nil {
			fmt.Fprintf(w, "%s\tunreadable: %v\n", strings.TrimPrefix(key, recordPrefix), err)
			continue
		}
		fmt.Fprintf(w, "%s\t%d comments\n", strings.TrimPrefix(key, recordPrefix), len(comments))
	}
	return nil
}

func printRecord(w io.Writer, scoped *recovery.Scoped, threadID string) error {
	comments, err := readRecord(scoped, recordPrefix+threadID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(comments)
}

func readRecord(side recovery.Store, key string) ([]ledger.Comment, error) {
	raw, ok, err := side.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no record %s", key)
	}
	var comments []ledger.Comment
	if err := json.Unmarshal([]byte(raw), &comments); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return comments, nil
}
