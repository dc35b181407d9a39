package commands

import (
	"strings"

	"github.com/spf13/cobra"
	"go.trai.ch/zerr"

	"margins/internal/cache"
	"margins/internal/feed"
	"margins/internal/gateway"
	"margins/internal/panel"
	"margins/internal/report"
)

func (c *CLI) newWatchCmd() *cobra.Command {
	var docID, threadID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a document's comment panel until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(docID) == "" {
				return errDocRequired
			}
			ctx := cmd.Context()
			logger := c.logger.With("doc", docID)

			gw := gateway.New(c.cfg.APIURL, c.member(), gateway.WithTimeout(c.cfg.HTTPTimeout))
			threadCache := cache.New(gw, cache.WithReporter(report.Log(logger)))
			defer threadCache.Close()

			if strings.TrimSpace(c.cfg.RedisURL) != "" {
				client, err := feed.Connect(ctx, c.cfg.RedisURL)
				if err != nil {
					return zerr.Wrap(err, "redis connection failed")
				}
				defer client.Close()
				sub, err := feed.NewSubscriber(client, threadCache, feed.WithReporter(report.Log(logger))).Subscribe(ctx, docID)
				if err != nil {
					return err
				}
				defer sub.Close()
				logger.Info("following change feed")
			}

			var opts []panel.Option
			if threadID != "" {
				opts = append(opts, panel.WithPendingThread(threadID))
			}
			p := panel.New(threadCache, docID, opts...)
			defer p.Close()

			unwatch := p.Watch(func(st panel.State) {
				attrs := []any{"mode", string(st.Mode), "threads", len(st.Threads)}
				if st.Thread != nil {
					attrs = append(attrs, "thread", st.Thread.ID, "status", string(st.Thread.Status.Type))
				}
				if st.Mode == panel.ModeThread {
					attrs = append(attrs, "comments", len(st.Comments))
				}
				logger.Info("panel", attrs...)
			})
			defer unwatch()

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&docID, "doc", "", "Document id")
	cmd.Flags().StringVar(&threadID, "thread", "", "Open this thread once the list has loaded")
	return cmd
}
