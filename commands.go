package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petervdpas/reliefmesh/internal/app"
	"github.com/petervdpas/reliefmesh/internal/channels"
	"github.com/petervdpas/reliefmesh/internal/proto"
)

// send <dir> <channel> <message...>: probe once, then publish or queue.
func sendCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "send <directory> <channel> <message...>",
		Short: "Send one message, queueing it when no relay is reachable",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !verbose {
				log.SetOutput(io.Discard)
			}
			dir, _, cfg, err := loadPeer(args[0], false)
			if err != nil {
				return err
			}
			content := strings.Join(args[2:], " ")

			ctx, cancel := signalContext()
			defer cancel()

			rt, err := app.OpenRuntime(ctx, dir, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			online := false
			if p, err := rt.NewProber(); err == nil {
				online = p.Check(ctx)
			}

			ctx, cancelSend := context.WithTimeout(ctx, time.Minute)
			defer cancelSend()
			m, err := rt.SendOnce(ctx, online, args[1], content)
			if err != nil {
				return err
			}
			if m.IsLocal() {
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s (offline)\n", m.ID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", m.ID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")
	return cmd
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <directory> <channel>",
		Short: "Print the local log of a channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _, cfg, err := loadPeer(args[0], false)
			if err != nil {
				return err
			}
			local, err := app.OpenLocal(dir, cfg)
			if err != nil {
				return err
			}
			defer local.Close()

			msgs, err := local.DB.MessagesByChannel(args[1])
			if err != nil {
				return err
			}
			if limit > 0 && len(msgs) > limit {
				msgs = msgs[len(msgs)-limit:]
			}
			n, _ := local.DB.OutboxLen()

			out := cmd.OutOrStdout()
			for _, m := range msgs {
				printMessage(out, m)
			}
			fmt.Fprintf(out, "%d messages, %d queued in outbox\n", len(msgs), n)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "show at most n messages (0 for all)")
	return cmd
}

func channelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels <directory>",
		Short: "List the channels available at this peer's position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _, cfg, err := loadPeer(args[0], false)
			if err != nil {
				return err
			}
			reg := app.NewRegistry(dir, cfg)
			ctx, cancel := signalContext()
			defer cancel()

			out := cmd.OutOrStdout()
			for _, ch := range reg.All(ctx) {
				fmt.Fprintf(out, "%-28s %-8s %s\n", ch.ID, ch.Kind, ch.Name)
			}
			return nil
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami <directory>",
		Short: "Show the identity of a peer directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _, cfg, err := loadPeer(args[0], false)
			if err != nil {
				return err
			}
			local, err := app.OpenLocal(dir, cfg)
			if err != nil {
				return err
			}
			defer local.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "alias:  %s\n", local.Identity.Alias())
			fmt.Fprintf(out, "pubkey: %s\n", local.Identity.PublicHex())
			return nil
		},
	}
}

func geohashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "geohash <lat> <lng>",
		Short: "Print the location channels for a coordinate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lat, err := strconv.ParseFloat(args[0], 64)
			if err != nil || lat < -90 || lat > 90 {
				return fmt.Errorf("invalid latitude %q", args[0])
			}
			lng, err := strconv.ParseFloat(args[1], 64)
			if err != nil || lng < -180 || lng > 180 {
				return fmt.Errorf("invalid longitude %q", args[1])
			}
			out := cmd.OutOrStdout()
			for _, ch := range channels.LocationChannels(lat, lng) {
				fmt.Fprintf(out, "%-28s %s\n", ch.ID, ch.Name)
			}
			return nil
		},
	}
}

func printMessage(w io.Writer, m proto.Message) {
	mark := ""
	if m.IsLocal() {
		mark = " (queued)"
	}
	ts := time.Unix(m.CreatedAt, 0).Format("2006-01-02 15:04")
	fmt.Fprintf(w, "[%s] %s: %s%s\n", ts, m.Alias, m.Content, mark)
}
