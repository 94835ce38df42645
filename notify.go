package offline

import "context"

// Notification is a user-visible message raised by a push event.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon"`
	Badge string `json:"badge"`
	URL   string `json:"url"` // opened when the notification is clicked
}

// Notifier displays notifications. Implementations decide how (desktop,
// webhook, log line).
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

const (
	defaultNotificationTitle = "CloudStore"
	defaultNotificationIcon  = "/icons/icon-192x192.png"
	defaultNotificationBadge = "/icons/badge-72x72.png"
)

func (w *Worker) notification(body string) Notification {
	return Notification{
		Title: defaultNotificationTitle,
		Body:  body,
		Icon:  defaultNotificationIcon,
		Badge: defaultNotificationBadge,
		URL:   w.scope,
	}
}
