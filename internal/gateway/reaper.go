package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"chatgate/pkg/metrics"
	"chatgate/pkg/store"
)

// RunReaper deletes expired codes and tokens every interval until ctx is done.
// A failed pass is logged and retried on the next tick.
func RunReaper(ctx context.Context, st store.Store, interval time.Duration, m *metrics.Registry, log *zap.SugaredLogger) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			res, err := st.Reap(ctx, now.UTC())
			if err != nil {
				if ctx.Err() == nil {
					log.Warnw("reap failed", "err", err)
				}
				continue
			}
			m.Reaped(res.Codes, res.Tokens)
			if res.Codes+res.Tokens > 0 {
				log.Infow("reaped expired credentials", "codes", res.Codes, "tokens", res.Tokens)
			}
		}
	}
}
