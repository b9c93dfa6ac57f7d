package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshcommons/meshlink/internal/config"
	"github.com/meshcommons/meshlink/internal/mesh"
	"github.com/meshcommons/meshlink/internal/store"
	"github.com/meshcommons/meshlink/internal/transport"
)

func nodesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List nodes from the last saved snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			nodes, err := db.Nodes()
			if err != nil {
				return err
			}
			return printNodes(cmd.OutOrStdout(), nodes)
		},
	}
}

func historyCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent messages from the last saved snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			db, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			msgs, err := db.Messages(limit)
			if err != nil {
				return err
			}
			return printMessages(cmd.OutOrStdout(), msgs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of messages to show")
	return cmd
}

func portsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports a radio may be attached to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := transport.SerialPorts()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ports) == 0 {
				fmt.Fprintln(out, "no serial ports found")
				return nil
			}
			for _, p := range ports {
				fmt.Fprintln(out, p)
			}
			return nil
		},
	}
}

func openStore(configPath string) (*store.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func printNodes(w io.Writer, nodes []*mesh.NodeRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NUM\tID\tNAME\tPOSITION\tLAST HEARD")
	for _, n := range nodes {
		id, name := "-", "-"
		if n.User != nil {
			id, name = n.User.ID, n.User.LongName
		}
		pos := "-"
		if n.Position != nil {
			pos = fmt.Sprintf("%.5f,%.5f", n.Position.Latitude, n.Position.Longitude)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", n.Num, id, name, pos, formatTime(n.LastHeard))
	}
	return tw.Flush()
}

func printMessages(w io.Writer, msgs []*mesh.Message) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tFROM\tTO\tSTATUS\tPAYLOAD")
	for _, m := range msgs {
		payload, ok := m.Text()
		if !ok {
			payload = fmt.Sprintf("<%s, %d bytes>", m.DataType, len(m.Payload))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", formatTime(m.Time), m.From, m.To, m.Status, payload)
	}
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}
