package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/livetraffic/internal/sse"
	"github.com/dgnsrekt/livetraffic/internal/stats"
)

func watchCmd() *cobra.Command {
	var (
		url       string
		count     int
		reconnect bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print snapshots from a running server's stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := &watcher{
				client: &http.Client{},
				url:    url,
				out:    cmd.OutOrStdout(),
				logger: logger,
			}
			if !reconnect {
				_, err := w.stream(cmd.Context(), count)
				return err
			}
			return w.run(cmd.Context(), count)
		},
	}

	cmd.Flags().StringVarP(&url, "url", "u", "http://localhost:8080/live", "stream URL")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after n snapshots (0 = unlimited)")
	cmd.Flags().BoolVar(&reconnect, "reconnect", true, "reconnect when the stream drops")
	return cmd
}

type watcher struct {
	client *http.Client
	url    string
	out    io.Writer
	logger *zap.Logger
}

// run streams, reconnecting at most every two seconds, until count snapshots
// were printed or ctx ends.
func (w *watcher) run(ctx context.Context, count int) error {
	limiter := rate.NewLimiter(rate.Every(2*time.Second), 1)
	printed := 0
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		remaining := 0
		if count > 0 {
			remaining = count - printed
		}
		n, err := w.stream(ctx, remaining)
		printed += n
		if err == nil || ctx.Err() != nil {
			return nil
		}
		w.logger.Warn("stream dropped, reconnecting", zap.String("url", w.url), zap.Error(err))
	}
}

// stream prints snapshots from one connection. It returns nil once count
// snapshots were printed (count > 0) or ctx ends.
func (w *watcher) stream(ctx context.Context, count int) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		return 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	dec := sse.NewDecoder(resp.Body)
	printed := 0
	for count <= 0 || printed < count {
		ev, err := dec.Next()
		if err != nil {
			if ctx.Err() != nil {
				return printed, nil
			}
			if errors.Is(err, sse.ErrStreamClosed) {
				return printed, err
			}
			return printed, fmt.Errorf("read event: %w", err)
		}
		if ev.Event != sse.EventName {
			continue
		}

		var snap stats.Snapshot
		if err := json.Unmarshal([]byte(ev.Data), &snap); err != nil {
			w.logger.Debug("skipping malformed event", zap.String("data", ev.Data), zap.Error(err))
			continue
		}
		fmt.Fprintf(w.out, "%s  total=%d  rps=%d  avg1m=%.2f\n",
			time.UnixMilli(snap.Timestamp).Format(time.TimeOnly), snap.Total, snap.RPS, snap.Avg1m)
		printed++
	}
	return printed, nil
}
