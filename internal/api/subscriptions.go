package api

import (
	"net/http"
	"sort"

	"github.com/linnemanlabs/hazardwatch/internal/realtime"
)

type subscriptionStatus struct {
	Topic  string          `json:"topic"`
	Status realtime.Status `json:"status"`
}

type subscriptionList struct {
	Subscriptions []subscriptionStatus `json:"subscriptions"`
	Degraded      bool                 `json:"degraded"`
}

func (a *API) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	out := subscriptionList{Subscriptions: []subscriptionStatus{}}
	if a.subscriptions != nil {
		for topic, st := range a.subscriptions.Statuses() {
			out.Subscriptions = append(out.Subscriptions, subscriptionStatus{Topic: topic, Status: st})
		}
		sort.Slice(out.Subscriptions, func(i, j int) bool {
			return out.Subscriptions[i].Topic < out.Subscriptions[j].Topic
		})
	}
	if a.degradation != nil {
		out.Degraded = a.degradation.Degraded()
	}
	writeJSON(w, http.StatusOK, out)
}
