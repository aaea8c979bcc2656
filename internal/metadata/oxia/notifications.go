package oxia

import (
	"context"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/dray-io/meshsync/internal/metadata"
)

// notificationStream adapts the client's notification channel. It ends
// with the context it was opened under or with the caller's.
type notificationStream struct {
	notifications oxiaclient.Notifications
	ctx           context.Context
}

func (s *notificationStream) Next(ctx context.Context) (metadata.Notification, error) {
	select {
	case <-ctx.Done():
		return metadata.Notification{}, ctx.Err()
	case <-s.ctx.Done():
		return metadata.Notification{}, s.ctx.Err()
	case n, ok := <-s.notifications.Ch():
		if !ok {
			return metadata.Notification{}, metadata.ErrStoreClosed
		}
		return convertNotification(n), nil
	}
}

func (s *notificationStream) Close() error {
	return s.notifications.Close()
}

// convertNotification drops the value: Oxia does not send one, and the
// peer directory re-lists on any change under its prefix.
func convertNotification(n *oxiaclient.Notification) metadata.Notification {
	return metadata.Notification{
		Key:     n.Key,
		Version: toVersion(n.VersionId),
		Deleted: n.Type == oxiaclient.KeyDeleted || n.Type == oxiaclient.KeyRangeRangeDeleted,
	}
}
