package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/meridianfo/vigil/internal/chain"
)

var (
	exportOut string

	inspectSession string
	inspectType    string
	inspectActor   string
	inspectSince   time.Duration
	inspectLimit   int
	inspectFormat  string
)

// chainCmd is the parent command for audit chain operations
var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Audit chain operations",
	Long: `Commands for working with a Vigil audit chain file.

Available subcommands:
  verify    Recompute every hash and check block linkage
  export    Write the full chain as JSON
  inspect   Filter blocks by session, type, actor, or age`,
}

var chainVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute every hash and check block linkage",
	Long: `Verify walks the chain from genesis, recomputes each block hash, and
checks that every block links to its predecessor. A violation reports the
offending block index and exits non-zero.`,
	RunE: runChainVerify,
}

var chainExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the full chain as JSON",
	RunE:  runChainExport,
}

var chainInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Filter blocks by session, type, actor, or age",
	Example: `  # Everything recorded for one analysis session
  vigilctl chain inspect --session sess_20260825_a1b2

  # Recent access decisions, newest last
  vigilctl chain inspect --type access_denied --since 24h

  # Machine-readable output
  vigilctl chain inspect --actor coordinator --format json`,
	RunE: runChainInspect,
}

func init() {
	rootCmd.AddCommand(chainCmd)
	chainCmd.AddCommand(chainVerifyCmd)
	chainCmd.AddCommand(chainExportCmd)
	chainCmd.AddCommand(chainInspectCmd)

	chainExportCmd.Flags().StringVar(&exportOut, "out", "", "Destination file (default stdout)")

	chainInspectCmd.Flags().StringVar(&inspectSession, "session", "", "Only blocks for this session id")
	chainInspectCmd.Flags().StringVar(&inspectType, "type", "", "Only blocks with this event type")
	chainInspectCmd.Flags().StringVar(&inspectActor, "actor", "", "Only blocks recorded by this actor")
	chainInspectCmd.Flags().DurationVar(&inspectSince, "since", 0, "Only blocks younger than this (e.g. 24h)")
	chainInspectCmd.Flags().IntVar(&inspectLimit, "limit", 0, "Stop after this many blocks (0 = all)")
	chainInspectCmd.Flags().StringVar(&inspectFormat, "format", "table", "Output format: table, json")
}

// loadChain opens the chain file read-only. chain.Load verifies linkage
// end to end, so commands that get a chain back can trust it.
func loadChain() (*chain.Chain, error) {
	c, err := chain.Load(chainPath, chain.Options{}, zerolog.Nop())
	if err != nil {
		return nil, fmt.Errorf("failed to load chain from %s: %w", chainPath, err)
	}
	return c, nil
}

func runChainVerify(cmd *cobra.Command, args []string) error {
	c, err := loadChain()
	if err != nil {
		var integrityErr *chain.IntegrityError
		if errors.As(err, &integrityErr) {
			fmt.Printf("TAMPERED  block %d: %s\n", integrityErr.Index, integrityErr.Reason)
		}
		return err
	}

	fmt.Printf("OK        %s\n", chainPath)
	fmt.Printf("blocks    %d\n", c.Len())
	fmt.Printf("root      %s\n", c.RootHash())

	blocks := c.Export()
	head := blocks[len(blocks)-1]
	fmt.Printf("head      %s (%s)\n", head.CurrentHash, head.Timestamp.Format(time.RFC3339))
	return nil
}

func runChainExport(cmd *cobra.Command, args []string) error {
	c, err := loadChain()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(c.Export(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal chain: %w", err)
	}
	data = append(data, '\n')

	if exportOut == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(exportOut, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", exportOut, err)
	}
	fmt.Printf("exported %d blocks to %s\n", c.Len(), exportOut)
	return nil
}

func runChainInspect(cmd *cobra.Command, args []string) error {
	c, err := loadChain()
	if err != nil {
		return err
	}

	cutoff := time.Time{}
	if inspectSince > 0 {
		cutoff = time.Now().Add(-inspectSince)
	}

	var matched []chain.Block
	for _, b := range c.Export() {
		if inspectSession != "" && b.SessionID != inspectSession {
			continue
		}
		if inspectType != "" && b.EventType != inspectType {
			continue
		}
		if inspectActor != "" && b.Actor != inspectActor {
			continue
		}
		if !cutoff.IsZero() && b.Timestamp.Before(cutoff) {
			continue
		}
		matched = append(matched, b)
		if inspectLimit > 0 && len(matched) >= inspectLimit {
			break
		}
	}

	if strings.EqualFold(inspectFormat, "json") {
		data, err := json.MarshalIndent(matched, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal blocks: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tTIMESTAMP\tTYPE\tSESSION\tACTOR\tACTION\tRESOURCE")
	for _, b := range matched {
		resource := "-"
		if b.Resource != nil {
			resource = *b.Resource
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			b.Index,
			b.Timestamp.Format(time.RFC3339),
			b.EventType,
			b.SessionID,
			b.Actor,
			b.Action,
			resource,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d of %d blocks matched\n", len(matched), c.Len())
	return nil
}
