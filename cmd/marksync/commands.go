package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/marksync/internal/bookmark"
	"github.com/agentworkforce/marksync/internal/store"
)

// flush waits for the remote work a command queued.
func flush(ctx context.Context, a *app) error {
	flushCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout*4)
	defer cancel()
	return a.coordinator.Flush(flushCtx)
}

func (c *cli) listCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bookmarks, trending first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if refresh {
					a.coordinator.Update()
					if err := flush(ctx, a); err != nil {
						return err
					}
				}
				return printBookmarks(cmd.OutOrStdout(), store.Sorted(a.store.Current().Bookmarks))
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "refresh from the service first")
	return cmd
}

func printBookmarks(w io.Writer, bookmarks []bookmark.Bookmark) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TITLE\tLINK\tFLAGS")
	for _, b := range bookmarks {
		link := b.Link
		if link == "" {
			link = "-"
		}
		var flags []string
		if b.Trending {
			flags = append(flags, "trending")
		}
		if b.Immutable {
			flags = append(flags, "immutable")
		}
		if !bookmark.Syncable(b) {
			flags = append(flags, "local")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", b.Title, link, strings.Join(flags, ","))
	}
	return tw.Flush()
}

func (c *cli) addCmd() *cobra.Command {
	var filter bookmark.FeedFilter
	var feed string
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Bookmark a feed query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Feed = bookmark.FeedType(strings.ToUpper(strings.TrimSpace(feed)))
			b := bookmark.Bookmark{Title: args[0], Filter: filter}
			if !bookmark.TitleFits(b) {
				return fmt.Errorf("title is longer than %d characters", bookmark.MaxTitleLength)
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.coordinator.Save(b); err != nil {
					return err
				}
				return flush(ctx, a)
			})
		},
	}
	cmd.Flags().StringVar(&feed, "feed", string(bookmark.FeedPromoted), "feed type (NEW, PROMOTED, RANDOM, ...)")
	cmd.Flags().StringVar(&filter.Tags, "tags", "", "tag query")
	cmd.Flags().StringVar(&filter.Username, "user", "", "restrict to a user")
	return cmd
}

func (c *cli) renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <title> <new-title>",
		Short: "Rename a bookmark",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				existing, ok := a.coordinator.ByTitle(args[0])
				if !ok {
					return fmt.Errorf("no bookmark titled %q", args[0])
				}
				if err := a.coordinator.Rename(existing, args[1]); err != nil {
					return err
				}
				return flush(ctx, a)
			})
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <title>",
		Short: "Delete a bookmark",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				existing, ok := a.coordinator.ByTitle(args[0])
				if !ok {
					return fmt.Errorf("no bookmark titled %q", args[0])
				}
				a.coordinator.Delete(existing)
				return flush(ctx, a)
			})
		},
	}
}

func (c *cli) restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Re-add the service's default bookmarks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				restoreCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout*4)
				defer cancel()
				return a.coordinator.Restore(restoreCtx)
			})
		},
	}
}

func (c *cli) exportCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write all bookmarks as YAML or JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return exportBookmarks(cmd.OutOrStdout(), format, store.Sorted(a.store.Current().Bookmarks))
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "output format: yaml or json")
	return cmd
}

func exportBookmarks(w io.Writer, format string, bookmarks []bookmark.Bookmark) error {
	if bookmarks == nil {
		bookmarks = []bookmark.Bookmark{}
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(bookmarks); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(bookmarks)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

func (c *cli) sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <recipient> <message>...",
		Short: "Send a private message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.inbox.Send(ctx, args[0], strings.Join(args[1:], " ")); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "message sent to %s\n", args[0])
				return nil
			})
		},
	}
}

func (c *cli) inboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Show unread inbox counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				counts, err := a.inbox.RefreshUnreadCounts(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "comments=%d mentions=%d messages=%d notifications=%d total=%d\n",
					counts.Comments, counts.Mentions, counts.Messages, counts.Notifications, counts.Total())
				return nil
			})
		},
	}
	cmd.AddCommand(c.markReadCmd())
	return cmd
}

func (c *cli) markReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mark-read [timestamp]",
		Short: "Mark messages created up to timestamp (RFC 3339, default now) as read",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts := time.Now()
			if len(args) == 1 {
				parsed, err := time.Parse(time.RFC3339, args[0])
				if err != nil {
					return fmt.Errorf("invalid timestamp %q: %w", args[0], err)
				}
				ts = parsed
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return a.inbox.MarkAsRead(ctx, ts)
			})
		},
	}
}
