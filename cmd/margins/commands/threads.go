package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.trai.ch/zerr"

	"margins/internal/cache"
	"margins/internal/gateway"
	"margins/internal/panel"
	"margins/internal/report"
	"margins/internal/store"
)

var errDocRequired = zerr.New("--doc is required")

func (c *CLI) newThreadsCmd() *cobra.Command {
	var (
		docID    string
		openOnly bool
		mine     bool
	)
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List the comment threads of a document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(docID) == "" {
				return errDocRequired
			}
			var filters []panel.Filter
			if openOnly {
				filters = append(filters, panel.OpenOnly())
			}
			if mine {
				filters = append(filters, panel.ByContributor(c.cfg.MemberID))
			}
			threads, err := c.listThreads(cmd.Context(), docID, allOf(filters...))
			if err != nil {
				return err
			}
			return printThreads(cmd.OutOrStdout(), threads)
		},
	}
	cmd.Flags().StringVar(&docID, "doc", "", "Document id")
	cmd.Flags().BoolVar(&openOnly, "open", false, "Only open threads")
	cmd.Flags().BoolVar(&mine, "mine", false, "Only threads the member has commented on")
	return cmd
}

// listThreads loads the document through a cache and a panel, the same
// path an editor takes, and returns the filtered list.
func (c *CLI) listThreads(ctx context.Context, docID string, filter panel.Filter) ([]store.Thread, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HTTPTimeout+time.Second)
	defer cancel()

	failed := make(chan error, 1)
	gw := gateway.New(c.cfg.APIURL, c.member(), gateway.WithTimeout(c.cfg.HTTPTimeout))
	logged := report.Log(c.logger)
	threadCache := cache.New(gw, cache.WithReporter(report.Func(func(err error) {
		// A rejected item leaves the rest of the list usable.
		if errors.Is(err, store.ErrInvalidThread) || errors.Is(err, store.ErrInvalidComment) {
			logged.Report(err)
			return
		}
		select {
		case failed <- err:
		default:
		}
	})))
	defer threadCache.Close()

	p := panel.New(threadCache, docID)
	defer p.Close()

	if err := waitForList(ctx, p, failed); err != nil {
		return nil, zerr.With(err, "doc", docID)
	}
	p.Transition(panel.ListRequest(filter))
	return p.Visible(), nil
}

func waitForList(ctx context.Context, p *panel.Panel, failed <-chan error) error {
	ready := make(chan struct{}, 1)
	unwatch := p.Watch(func(st panel.State) {
		if st.Mode != panel.ModeListLoading {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer unwatch()

	if p.State().Mode != panel.ModeListLoading {
		return nil
	}
	select {
	case <-ready:
		return nil
	case err := <-failed:
		return zerr.Wrap(err, "load threads")
	case <-ctx.Done():
		return zerr.Wrap(ctx.Err(), "load threads")
	}
}

func allOf(filters ...panel.Filter) panel.Filter {
	if len(filters) == 0 {
		return nil
	}
	return func(t store.Thread) bool {
		for _, f := range filters {
			if !f(t) {
				return false
			}
		}
		return true
	}
}

func printThreads(w io.Writer, threads []store.Thread) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCOMMENTS\tLAST\tAUTHOR\tMESSAGE")
	for _, t := range threads {
		author, message := "-", ""
		if t.InitialComment != nil {
			author = firstNonEmpty(t.InitialComment.Author.Name, t.InitialComment.Author.ID)
			message = truncate(t.InitialComment.Message, 48)
		}
		last := "-"
		if !t.LastCommentTime.IsZero() {
			last = t.LastCommentTime.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", t.ID, t.Status.Type, t.CommentCount, last, author, message)
	}
	return tw.Flush()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return "-"
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
