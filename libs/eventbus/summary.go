package eventbus

import "time"

type Summary struct {
	TotalEvents        int            `json:"totalEvents"`
	PublishedCount     int            `json:"publishedCount"`
	ConsumedCount      int            `json:"consumedCount"`
	FailedCount        int            `json:"failedCount"`
	LastActivityAt     *time.Time     `json:"lastActivityAt"`
	EventTypeBreakdown map[string]int `json:"eventTypeBreakdown"`
}

func Summarize(activities []Activity) Summary {
	s := Summary{
		TotalEvents:        len(activities),
		EventTypeBreakdown: make(map[string]int),
	}
	for _, a := range activities {
		switch a.Status {
		case StatusPublished:
			s.PublishedCount++
		case StatusConsumed:
			s.ConsumedCount++
		case StatusFailed:
			s.FailedCount++
		}
		s.EventTypeBreakdown[a.EventType]++
		if s.LastActivityAt == nil || a.Timestamp.After(*s.LastActivityAt) {
			ts := a.Timestamp
			s.LastActivityAt = &ts
		}
	}
	return s
}
