package artifact

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// ResyncFallback pushes artifacts stranded in the fallback store to the
// primary tier and marks them synced. It runs at startup, before new
// deliveries, so an outage in a previous batch does not leave reports
// on local disk forever.
//
// The sweep stops at the first upload failure and returns how many
// artifacts made it across; the remainder stay unsynced and are picked
// up on the next run. A manifest row whose file has since disappeared
// is marked synced so it stops blocking the sweep.
func ResyncFallback(ctx context.Context, primary Store, local *LocalStore, log *logrus.Entry) (int, error) {
	entries, err := local.Unsynced(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unsynced: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	log.WithField("count", len(entries)).Info("resyncing fallback artifacts to primary tier")

	synced := 0
	for _, e := range entries {
		data, err := os.ReadFile(e.Path)
		if err != nil {
			if os.IsNotExist(err) {
				log.WithField("path", e.Path).Warn("manifest entry has no file, dropping")
				if err := local.MarkSynced(ctx, e.Path); err != nil {
					return synced, fmt.Errorf("drop manifest entry %q: %w", e.Path, err)
				}
				continue
			}
			return synced, fmt.Errorf("read fallback artifact %q: %w", e.Path, err)
		}

		uri, err := primary.Put(ctx, Artifact{
			Name:        e.Name,
			ContentType: e.ContentType,
			Data:        data,
		})
		if err != nil {
			return synced, fmt.Errorf("resync %q: %w", e.Name, err)
		}
		if err := local.MarkSynced(ctx, e.Path); err != nil {
			return synced, fmt.Errorf("mark synced %q: %w", e.Path, err)
		}

		synced++
		log.WithFields(logrus.Fields{
			"name":     e.Name,
			"location": uri,
		}).Info("fallback artifact resynced")
	}
	return synced, nil
}
