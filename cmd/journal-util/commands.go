package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/INLOpen/nexusingest/core"
	"github.com/INLOpen/nexusingest/journal"
	"github.com/spf13/cobra"
)

func newInfoCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show journal offsets and size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := opts.openJournal(cmd, journal.SyncDisabled)
			if err != nil {
				return err
			}
			defer closeJournal(j, cmd.ErrOrStderr())

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "directory\t%s\n", j.Dir())
			fmt.Fprintf(w, "segments\t%d\n", j.SegmentCount())
			fmt.Fprintf(w, "size_bytes\t%d\n", j.Size())
			fmt.Fprintf(w, "log_start_offset\t%d\n", j.LogStartOffset())
			fmt.Fprintf(w, "log_end_offset\t%d\n", j.LogEndOffset())
			fmt.Fprintf(w, "committed_offset\t%d\n", j.Committed())
			fmt.Fprintf(w, "uncommitted_entries\t%d\n", j.UncommittedEntries())
			return w.Flush()
		},
	}
}

// dumpRecord is one journal entry as printed by dump.
type dumpRecord struct {
	Offset      int64     `json:"offset"`
	ID          string    `json:"id,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
	PayloadType string    `json:"payload_type,omitempty"`
	Remote      string    `json:"remote,omitempty"`
	Input       string    `json:"input,omitempty"`
	Node        string    `json:"node,omitempty"`
	Payload     string    `json:"payload,omitempty"`
	PayloadB64  []byte    `json:"payload_base64,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func newDumpRecord(e core.ReadEntry, withPayload bool) dumpRecord {
	rec := dumpRecord{Offset: e.Offset}
	msg, err := core.DecodeRawMessage(e.Payload)
	if err != nil {
		rec.Error = err.Error()
		return rec
	}
	rec.ID = msg.ID().String()
	rec.Timestamp = msg.Timestamp()
	rec.PayloadType = msg.PayloadType()
	rec.Remote = msg.RemoteAddress().String()
	rec.Input = msg.SourceInputID()
	rec.Node = msg.ReceivingNodeID()
	if withPayload {
		if utf8.Valid(msg.Payload()) {
			rec.Payload = string(msg.Payload())
		} else {
			rec.PayloadB64 = msg.Payload()
		}
	}
	return rec
}

func newDumpCmd(opts *rootOptions) *cobra.Command {
	var (
		from        int64
		limit       int
		uncommitted bool
		payload     bool
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print journal entries as JSON lines",
		Example: `  journal-util dump --dir /var/lib/nexusingest/journal --limit 10
  journal-util dump --uncommitted --payload=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := opts.openJournal(cmd, journal.SyncDisabled)
			if err != nil {
				return err
			}
			defer closeJournal(j, cmd.ErrOrStderr())

			start := j.LogStartOffset()
			switch {
			case uncommitted:
				start = j.Committed() + 1
			case cmd.Flags().Changed("from"):
				start = from
			}
			j.ReadFrom(start)

			enc := json.NewEncoder(cmd.OutOrStdout())
			printed := 0
			for limit <= 0 || printed < limit {
				batch := 500
				if limit > 0 {
					batch = min(batch, limit-printed)
				}
				entries, err := j.Read(batch)
				if err != nil {
					return fmt.Errorf("read at offset %d: %w", j.NextReadOffset(), err)
				}
				if len(entries) == 0 {
					return nil
				}
				for _, e := range entries {
					if err := enc.Encode(newDumpRecord(e, payload)); err != nil {
						return err
					}
					printed++
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "first offset to print (default: log start)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of entries to print, 0 for all")
	cmd.Flags().BoolVar(&uncommitted, "uncommitted", false, "start after the committed offset")
	cmd.Flags().BoolVar(&payload, "payload", true, "include message payloads")
	return cmd
}

func newCommitCmd(opts *rootOptions) *cobra.Command {
	var (
		offset int64
		toEnd  bool
	)
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Overwrite the committed offset",
		Long: `commit moves the committed offset of the journal. Entries after the
committed offset are redelivered when the node starts. Moving it forward
skips messages, moving it backwards replays them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !toEnd && !cmd.Flags().Changed("offset") {
				return fmt.Errorf("either --offset or --to-end is required")
			}
			j, err := opts.openJournal(cmd, journal.SyncAlways)
			if err != nil {
				return err
			}
			defer closeJournal(j, cmd.ErrOrStderr())

			if toEnd {
				offset = j.LogEndOffset() - 1
			}
			if offset < j.LogStartOffset()-1 || offset >= j.LogEndOffset() {
				return fmt.Errorf("offset %d is outside the journal [%d, %d)", offset, j.LogStartOffset()-1, j.LogEndOffset())
			}
			previous := j.Committed()
			if err := j.ForceCommitted(offset); err != nil {
				return fmt.Errorf("failed to persist committed offset: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "committed offset %d -> %d\n", previous, offset)
			return nil
		},
	}
	cmd.Flags().Int64Var(&offset, "offset", 0, "new committed offset")
	cmd.Flags().BoolVar(&toEnd, "to-end", false, "commit everything written so far")
	return cmd
}
