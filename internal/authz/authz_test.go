package authz

import (
	"slices"
	"testing"

	"github.com/linnemanlabs/hazardwatch/internal/changefeed"
	"github.com/linnemanlabs/hazardwatch/internal/notification"
)

func TestGate_CanSubscribe(t *testing.T) {
	t.Parallel()

	g := NewGate()
	tests := []struct {
		topic string
		role  Role
		want  bool
	}{
		{changefeed.TopicRSSFeeds, RoleMasterAdmin, true},
		{changefeed.TopicRSSFeeds, RoleValidator, true},
		{changefeed.TopicRSSFeeds, RoleLGUResponder, false},
		{changefeed.TopicRSSFeeds, RoleCitizen, false},
		{changefeed.TopicRSSProcessing, RoleLGUResponder, false},
		{changefeed.TopicCitizenReports, RoleLGUResponder, true},
		{changefeed.TopicCitizenReports, RoleCitizen, false},
		{changefeed.TopicHazardsValidated, RoleCitizen, true},
		{changefeed.TopicHazardsNew, "", true},
		{changefeed.TopicRSSFeeds, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic+"/"+string(tt.role), func(t *testing.T) {
			t.Parallel()
			if got := g.CanSubscribe(tt.topic, tt.role); got != tt.want {
				t.Errorf("CanSubscribe(%q, %q) = %v, want %v", tt.topic, tt.role, got, tt.want)
			}
		})
	}
}

func TestTopics_FiltersInOrder(t *testing.T) {
	t.Parallel()

	all := []string{
		changefeed.TopicHazardsValidated,
		changefeed.TopicHazardsNew,
		changefeed.TopicRSSFeeds,
		changefeed.TopicRSSProcessing,
		changefeed.TopicCitizenReports,
	}
	got := Topics(NewGate(), RoleLGUResponder, all)
	want := []string{changefeed.TopicHazardsValidated, changefeed.TopicHazardsNew, changefeed.TopicCitizenReports}
	if !slices.Equal(got, want) {
		t.Errorf("Topics = %v, want %v", got, want)
	}
}

func TestParseRole(t *testing.T) {
	t.Parallel()

	if r, ok := ParseRole(" Validator "); !ok || r != RoleValidator {
		t.Errorf("ParseRole = %q,%v, want validator,true", r, ok)
	}
	if _, ok := ParseRole("root"); ok {
		t.Error("ParseRole(root) ok = true, want false")
	}
}

func TestCanTriage(t *testing.T) {
	t.Parallel()

	for _, r := range []Role{RoleMasterAdmin, RoleValidator, RoleLGUResponder} {
		if !CanTriage(r) {
			t.Errorf("CanTriage(%q) = false, want true", r)
		}
	}
	if CanTriage(RoleCitizen) {
		t.Error("CanTriage(citizen) = true, want false")
	}
}

func TestCanManageFeed(t *testing.T) {
	t.Parallel()

	want := map[Role]bool{RoleMasterAdmin: true, RoleValidator: true, RoleLGUResponder: false, RoleCitizen: false}
	for r, ok := range want {
		if got := CanManageFeed(r); got != ok {
			t.Errorf("CanManageFeed(%q) = %v, want %v", r, got, ok)
		}
	}
}

func TestNotificationFilter(t *testing.T) {
	t.Parallel()

	withTopic := func(topic string) notification.Notification {
		n := notification.Notification{Type: notification.TypeRSS, Severity: notification.SeverityInfo, Title: "x"}
		if topic != "" {
			n.Metadata = map[string]string{notification.MetaTopic: topic}
		}
		return n
	}

	tests := []struct {
		role  Role
		topic string
		want  bool
	}{
		{RoleCitizen, changefeed.TopicRSSFeeds, false},
		{RoleCitizen, changefeed.TopicRSSProcessing, false},
		{RoleCitizen, changefeed.TopicCitizenReports, false},
		{RoleCitizen, changefeed.TopicHazardsNew, true},
		{RoleCitizen, "", true},
		{RoleLGUResponder, changefeed.TopicRSSFeeds, false},
		{RoleValidator, changefeed.TopicRSSFeeds, true},
		{RoleMasterAdmin, changefeed.TopicRSSProcessing, true},
	}
	for _, tt := range tests {
		if got := NotificationFilter(NewGate(), tt.role)(withTopic(tt.topic)); got != tt.want {
			t.Errorf("NotificationFilter(%q)(%q) = %v, want %v", tt.role, tt.topic, got, tt.want)
		}
	}
}
