// Package classify maps raw Nextcloud notifications onto the small set of
// semantic categories the bridge knows how to deliver.
package classify

import (
	"net/url"
	"strings"
)

// Category is the semantic bucket a notification falls into.
type Category string

const (
	CategoryMail     Category = "mail"
	CategoryCalendar Category = "calendar"
	CategoryTalk     Category = "talk"
	CategoryUnknown  Category = "unknown"
)

// Known returns every category a user can toggle in preferences.
// CategoryUnknown is deliberately excluded: unknown notifications are
// never delivered, only counted for cursor advancement.
func Known() []Category {
	return []Category{CategoryMail, CategoryCalendar, CategoryTalk}
}

// Summary is a renderable digest of a classified notification.
type Summary struct {
	Category    Category
	Title       string
	Description string
	Link        string
}

// Source is the minimum notification shape the classifier depends on.
type Source interface {
	AppTag() string
	DeepLink() string
}

// Classify maps a notification's app tag to a category summary, or nil
// for app tags the bridge does not recognize. The match is substring
// based: Nextcloud reports app ids like "spreed" for Talk and "dav" for
// calendar reminders.
func Classify(n Source, baseURL string) *Summary {
	app := strings.ToLower(n.AppTag())
	switch {
	case strings.Contains(app, "mail"):
		return &Summary{
			Category:    CategoryMail,
			Title:       "📬 New mail in Nextcloud",
			Description: "Open Nextcloud Mail to read the message.",
			Link:        linkOrDefault(n.DeepLink(), baseURL, "/apps/mail"),
		}
	case strings.Contains(app, "calendar"), strings.Contains(app, "dav"):
		return &Summary{
			Category:    CategoryCalendar,
			Title:       "🗓️ New calendar event in Nextcloud",
			Description: "View the details in Nextcloud Calendar.",
			Link:        linkOrDefault(n.DeepLink(), baseURL, "/apps/calendar"),
		}
	case strings.Contains(app, "talk"), strings.Contains(app, "spreed"):
		return &Summary{
			Category:    CategoryTalk,
			Title:       "💬 New message in Nextcloud Talk",
			Description: "Continue the conversation in Nextcloud Talk.",
			Link:        linkOrDefault(n.DeepLink(), baseURL, "/apps/spreed"),
		}
	}
	return nil
}

func linkOrDefault(link, baseURL, appPath string) string {
	if link != "" {
		return link
	}
	if baseURL == "" {
		return ""
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	ref, err := base.Parse(appPath)
	if err != nil {
		return ""
	}
	return ref.String()
}
