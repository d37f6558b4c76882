package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/socialwatch/sentinel/internal/monitor"
)

// Kind partitions the event stream.
type Kind string

// Supported event kinds.
const (
	KindAlert    Kind = "alert"
	KindCampaign Kind = "campaign"
	KindSystem   Kind = "system"
)

// RoomSystem receives every system event.
const RoomSystem = "system"

// Event is one outbound notification.
type Event struct {
	ID         string           `json:"id"`
	Kind       Kind             `json:"kind"`
	Type       string           `json:"type"`
	CampaignID string           `json:"campaign_id,omitempty"`
	Severity   monitor.Severity `json:"severity,omitempty"`
	Alert      *monitor.Alert   `json:"alert,omitempty"`
	Payload    map[string]any   `json:"payload,omitempty"`
	TS         time.Time        `json:"ts"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindAlert:
		if e.Alert == nil || e.Alert.ID == "" {
			return errors.New("alert event requires an alert with an id")
		}
	case KindCampaign:
		if e.CampaignID == "" {
			return errors.New("campaign event requires campaign id")
		}
	case KindSystem:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Type == "" {
		return errors.New("event type is required")
	}
	return nil
}

// Rooms lists the subscription rooms an event is delivered to.
func (e Event) Rooms() []string {
	switch e.Kind {
	case KindAlert:
		rooms := make([]string, 0, 2)
		if e.CampaignID != "" {
			rooms = append(rooms, CampaignRoom(e.CampaignID))
		}
		if e.Severity != "" {
			rooms = append(rooms, SeverityRoom(e.Severity))
		}
		return rooms
	case KindCampaign:
		return []string{CampaignRoom(e.CampaignID)}
	case KindSystem:
		return []string{RoomSystem}
	}
	return nil
}

// CampaignRoom names the room for one campaign.
func CampaignRoom(id string) string { return "campaign:" + id }

// SeverityRoom names the room for one alert severity.
func SeverityRoom(s monitor.Severity) string { return "severity:" + string(s) }
