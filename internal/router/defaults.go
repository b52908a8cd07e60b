package router

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/linnemanlabs/hazardwatch/internal/alerts"
	"github.com/linnemanlabs/hazardwatch/internal/changefeed"
	"github.com/linnemanlabs/hazardwatch/internal/notification"
)

// Cache keys understood by the query cache and the UI.
const (
	KeyHazards           = "hazards"
	KeyMapMarkers        = "map-markers"
	KeyRSSStatistics     = "rss-statistics"
	KeyRSSFeeds          = "rss-feeds"
	KeyRSSProcessingLogs = "rss-processing-logs"
	KeyCitizenReports    = "citizen-reports"
	KeyTriageQueue       = "triage-queue"
)

// DefaultInterests is the static topic/operation table the service routes.
func DefaultInterests() []Interest {
	return []Interest{
		{
			Name:       "hazard-validated",
			Topic:      changefeed.TopicHazardsValidated,
			Operation:  changefeed.OpUpdate,
			Invalidate: []string{KeyHazards, KeyMapMarkers, KeyRSSStatistics},
			Match:      validatedFlip,
			Build:      hazardValidated,
		},
		{
			Name:       "hazard-new",
			Topic:      changefeed.TopicHazardsNew,
			Operation:  changefeed.OpInsert,
			Invalidate: []string{KeyHazards, KeyMapMarkers},
			Build:      hazardNew,
		},
		{
			Name:       "hazard-removed",
			Topic:      changefeed.TopicHazardsNew,
			Operation:  changefeed.OpDelete,
			Invalidate: []string{KeyHazards, KeyMapMarkers},
		},
		{
			Name:       "rss-feed-added",
			Topic:      changefeed.TopicRSSFeeds,
			Operation:  changefeed.OpInsert,
			Invalidate: []string{KeyRSSFeeds, KeyRSSStatistics},
			Build:      rssFeedChange("added", notification.SeveritySuccess),
		},
		{
			Name:       "rss-feed-updated",
			Topic:      changefeed.TopicRSSFeeds,
			Operation:  changefeed.OpUpdate,
			Invalidate: []string{KeyRSSFeeds, KeyRSSStatistics},
		},
		{
			Name:       "rss-feed-removed",
			Topic:      changefeed.TopicRSSFeeds,
			Operation:  changefeed.OpDelete,
			Invalidate: []string{KeyRSSFeeds, KeyRSSStatistics},
			Build:      rssFeedChange("removed", notification.SeverityInfo),
		},
		{
			Name:       "rss-processing-logged",
			Topic:      changefeed.TopicRSSProcessing,
			Operation:  changefeed.OpInsert,
			Invalidate: []string{KeyRSSProcessingLogs, KeyRSSStatistics},
			Match:      processingFailed,
			Build:      rssProcessingFailed,
		},
		{
			Name:       "rss-processing-updated",
			Topic:      changefeed.TopicRSSProcessing,
			Operation:  changefeed.OpUpdate,
			Invalidate: []string{KeyRSSProcessingLogs, KeyRSSStatistics},
			Match:      processingFailed,
			Build:      rssProcessingFailed,
		},
		{
			Name:       "citizen-report-submitted",
			Topic:      changefeed.TopicCitizenReports,
			Operation:  changefeed.OpInsert,
			Invalidate: []string{KeyCitizenReports, KeyTriageQueue},
			Build:      reportSubmitted,
		},
		{
			Name:       "citizen-report-triaged",
			Topic:      changefeed.TopicCitizenReports,
			Operation:  changefeed.OpUpdate,
			Invalidate: []string{KeyCitizenReports, KeyTriageQueue, KeyHazards},
			Match:      reportLeftQueue,
			Build:      reportTriaged,
		},
	}
}

func validatedFlip(ev *changefeed.ChangeEvent) bool {
	before, _ := ev.Before.Bool("validated")
	after, ok := ev.After.Bool("validated")
	return ok && after && !before
}

func hazardValidated(ev *changefeed.ChangeEvent) Effect {
	kind := hazardKind(ev.After.String("hazard_type"))
	msg := fmt.Sprintf("%s%s has been validated.", kind, at(ev.After.String("location_name")))
	link := hazardLink(ev.After.String("id"))
	return Effect{
		Notification: &notification.Notification{
			Type:     notification.TypeHazard,
			Severity: notification.SeveritySuccess,
			Title:    "Hazard validated",
			Message:  msg,
			Link:     link,
			Metadata: meta("hazard_id", ev.After.String("id"), "hazard_type", ev.After.String("hazard_type")),
		},
		Alert: &alerts.Alert{
			Severity:    notification.SeveritySuccess,
			Title:       "Hazard validated",
			Description: msg,
			ActionLink:  link,
		},
	}
}

func hazardNew(ev *changefeed.ChangeEvent) Effect {
	kind := hazardKind(ev.After.String("hazard_type"))
	msg := fmt.Sprintf("%s reported%s.", kind, at(ev.After.String("location_name")))
	link := hazardLink(ev.After.String("id"))
	return Effect{
		Notification: &notification.Notification{
			Type:     notification.TypeHazard,
			Severity: notification.SeverityWarning,
			Title:    "New hazard detected",
			Message:  msg,
			Link:     link,
			Metadata: meta("hazard_id", ev.After.String("id"), "hazard_type", ev.After.String("hazard_type")),
		},
		Alert: &alerts.Alert{
			Severity:    notification.SeverityWarning,
			Title:       "New hazard detected",
			Description: msg,
			ActionLink:  link,
		},
	}
}

func rssFeedChange(verb string, sev notification.Severity) func(*changefeed.ChangeEvent) Effect {
	return func(ev *changefeed.ChangeEvent) Effect {
		name := ev.Value("name")
		if name == "" {
			name = "RSS feed"
		}
		title := fmt.Sprintf("%s %s", name, verb)
		msg := fmt.Sprintf("The feed %q was %s.", name, verb)
		return Effect{
			Notification: &notification.Notification{
				Type:     notification.TypeRSS,
				Severity: sev,
				Title:    title,
				Message:  msg,
				Link:     "/admin/rss",
				Metadata: meta("feed_id", ev.Value("id"), "feed_url", ev.Value("url")),
			},
			Alert: &alerts.Alert{
				Severity:    sev,
				Title:       title,
				Description: msg,
				ActionLink:  "/admin/rss",
			},
		}
	}
}

func processingFailed(ev *changefeed.ChangeEvent) bool {
	switch strings.ToLower(ev.After.String("status")) {
	case "error", "failed":
		return strings.ToLower(ev.Before.String("status")) != strings.ToLower(ev.After.String("status"))
	}
	return false
}

func rssProcessingFailed(ev *changefeed.ChangeEvent) Effect {
	feed := ev.After.String("feed_url")
	if feed == "" {
		feed = "an RSS feed"
	}
	reason := ev.After.String("error_message")
	if reason == "" {
		reason = "unknown error"
	}
	msg := fmt.Sprintf("Processing %s failed: %s", feed, reason)
	return Effect{
		Notification: &notification.Notification{
			Type:     notification.TypeSystem,
			Severity: notification.SeverityError,
			Title:    "RSS processing failed",
			Message:  msg,
			Link:     "/admin/rss",
			Metadata: meta("log_id", ev.After.String("id"), "feed_url", ev.After.String("feed_url")),
		},
		Alert: &alerts.Alert{
			Severity:    notification.SeverityError,
			Title:       "RSS processing failed",
			Description: msg,
			ActionLink:  "/admin/rss",
		},
	}
}

func reportSubmitted(ev *changefeed.ChangeEvent) Effect {
	id := ev.After.String("tracking_id")
	kind := hazardKind(ev.After.String("hazard_type"))
	return Effect{
		Notification: &notification.Notification{
			Type:     notification.TypeReport,
			Severity: notification.SeverityInfo,
			Title:    "New citizen report",
			Message:  fmt.Sprintf("%s report %s submitted%s.", kind, id, at(ev.After.String("location_name"))),
			Link:     reportLink(id),
			Metadata: meta("tracking_id", id, "hazard_type", ev.After.String("hazard_type")),
		},
	}
}

func reportLeftQueue(ev *changefeed.ChangeEvent) bool {
	before := strings.ToLower(ev.Before.String("status"))
	after := strings.ToLower(ev.After.String("status"))
	if before != "" && before != "unverified" {
		return false
	}
	switch after {
	case "verified", "rejected", "duplicate":
		return true
	}
	return false
}

func reportTriaged(ev *changefeed.ChangeEvent) Effect {
	id := ev.After.String("tracking_id")
	status := strings.ToLower(ev.After.String("status"))
	sev := notification.SeverityInfo
	if status == "verified" {
		sev = notification.SeveritySuccess
	}
	msg := fmt.Sprintf("Report %s was marked %s", id, status)
	if by := ev.After.String("validated_by"); by != "" {
		msg += " by " + by
	}
	return Effect{
		Notification: &notification.Notification{
			Type:     notification.TypeValidation,
			Severity: sev,
			Title:    "Report " + status,
			Message:  msg + ".",
			Link:     reportLink(id),
			Metadata: meta("tracking_id", id, "status", status),
		},
	}
}

func hazardKind(t string) string {
	t = strings.TrimSpace(strings.ReplaceAll(t, "_", " "))
	if t == "" {
		return "Hazard"
	}
	r, size := utf8.DecodeRuneInString(t)
	return string(unicode.ToUpper(r)) + t[size:]
}

func at(location string) string {
	if location == "" {
		return ""
	}
	return " in " + location
}

func hazardLink(id string) string {
	if id == "" {
		return "/map"
	}
	return "/map?hazard=" + id
}

func reportLink(id string) string {
	if id == "" {
		return "/admin/triage"
	}
	return "/admin/triage?report=" + id
}

// meta builds metadata from key/value pairs, skipping empty values.
func meta(kv ...string) map[string]string {
	out := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			out[kv[i]] = kv[i+1]
		}
	}
	return out
}
