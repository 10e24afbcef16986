package accumulator

import (
	"context"
	"log/slog"
	"time"

	"github.com/mirix-ai/mirixd/pkg/models"
)

// RecentImage is one fresh visual-context entry for a chat turn.
type RecentImage struct {
	Timestamp string
	Ref       models.ImageRef
	Source    string
}

// RecentImages returns images from the tail of the user's queue whose
// timestamps fall within the recency window. Pending uploads that have
// since completed are substituted in; still-pending or failed images are
// skipped. Never blocks on absorption.
func (a *Accumulator) RecentImages(ctx context.Context, userID string, now time.Time) ([]RecentImage, error) {
	raw, err := a.store.Messages(ctx, userID, a.cfg.MaxMessages)
	if err != nil {
		return nil, err
	}
	if len(raw) > a.cfg.Threshold {
		raw = raw[len(raw)-a.cfg.Threshold:]
	}

	cutoff := now.Add(-a.cfg.RecentImageWindow)
	var out []RecentImage
	for i := range raw {
		msg := &raw[i]
		if len(msg.Images) == 0 {
			continue
		}
		ts, err := time.Parse(time.RFC3339, msg.Timestamp)
		if err != nil {
			slog.Warn("Skipping message with unparsable timestamp",
				"user_id", userID, "timestamp", msg.Timestamp)
			continue
		}
		if ts.Before(cutoff) {
			continue
		}

		for idx, ref := range msg.Images {
			if ref.Kind == models.ImageKindPending {
				status, err := a.uploads.Resolve(ctx, ref)
				if err != nil || status.State != models.UploadStateCompleted {
					continue
				}
				remote, ok := status.RemoteRef()
				if !ok {
					continue
				}
				ref = remote
			}
			out = append(out, RecentImage{
				Timestamp: msg.Timestamp,
				Ref:       ref,
				Source:    msg.SourceFor(idx),
			})
		}
	}
	return out, nil
}
