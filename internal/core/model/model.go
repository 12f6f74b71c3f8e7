package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionKind identifies which remote write a queued action represents.
type ActionKind string

const (
	ActionCheckIn        ActionKind = "check_in"
	ActionEmergency      ActionKind = "emergency"
	ActionIncidentUpdate ActionKind = "incident_update"
	ActionProfileUpdate  ActionKind = "profile_update"
	ActionLocationUpdate ActionKind = "location_update"
)

// CheckInStatus defines the safety state carried by a check-in record.
type CheckInStatus string

const (
	StatusSafe      CheckInStatus = "safe"
	StatusOverdue   CheckInStatus = "overdue"
	StatusMissed    CheckInStatus = "missed"
	StatusEmergency CheckInStatus = "emergency"
	// StatusUnknown is reported for a worker with no visible check-in record.
	// It is deliberately distinct from overdue: overdue transitions are owned
	// by the cadence scheduler, not by this service.
	StatusUnknown CheckInStatus = "unknown"
)

// AuthContext is the credential snapshot captured at enqueue time. The
// session may rotate before the action is synced, so the token travels
// with the action rather than being resolved at send time.
type AuthContext struct {
	AccessToken    string `json:"accessToken"`
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
}

// QueuedAction is one pending safety signal awaiting durable delivery.
type QueuedAction struct {
	ID            string          `json:"id"`
	Kind          ActionKind      `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
	RetryCount    int             `json:"retryCount"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	Auth          AuthContext     `json:"authContext"`
}

// Location is an optional position sample attached to a safety signal.
type Location struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy,omitempty"`
	Address  string  `json:"address,omitempty"`
}

// CheckInPayload is the payload for ActionCheckIn.
type CheckInPayload struct {
	Status   CheckInStatus `json:"status"`
	Location *Location     `json:"location,omitempty"`
	Message  string        `json:"message,omitempty"`
}

// EmergencyPayload is the payload for ActionEmergency. The escalation
// endpoint creates the incident and fans out contact notification.
type EmergencyPayload struct {
	Location *Location `json:"location,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// IncidentUpdatePayload patches an existing incident by id.
type IncidentUpdatePayload struct {
	IncidentID string `json:"incidentId"`
	Status     string `json:"status,omitempty"`
	Note       string `json:"note,omitempty"`
}

// ProfileUpdatePayload patches the worker's own profile.
type ProfileUpdatePayload struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// LocationUpdatePayload inserts a location sample tied to a check-in.
type LocationUpdatePayload struct {
	CheckInID string   `json:"checkInId"`
	Location  Location `json:"location"`
}

// DecodePayload unmarshals a queued action's opaque payload into the
// concrete struct for its kind.
func DecodePayload(kind ActionKind, raw json.RawMessage) (any, error) {
	switch kind {
	case ActionCheckIn:
		var p CheckInPayload
		return &p, json.Unmarshal(raw, &p)
	case ActionEmergency:
		var p EmergencyPayload
		return &p, json.Unmarshal(raw, &p)
	case ActionIncidentUpdate:
		var p IncidentUpdatePayload
		return &p, json.Unmarshal(raw, &p)
	case ActionProfileUpdate:
		var p ProfileUpdatePayload
		return &p, json.Unmarshal(raw, &p)
	case ActionLocationUpdate:
		var p LocationUpdatePayload
		return &p, json.Unmarshal(raw, &p)
	default:
		return nil, fmt.Errorf("unknown action kind: %q", kind)
	}
}

// CheckInRecord is a safety signal, either locally optimistic or
// server-confirmed. SyncedAt stays nil until the backend confirms it.
type CheckInRecord struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organizationId"`
	UserID         string        `json:"userId"`
	Status         CheckInStatus `json:"status"`
	Location       *Location     `json:"location,omitempty"`
	Message        string        `json:"message,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	SyncedAt       *time.Time    `json:"syncedAt,omitempty"`
	IsOffline      bool          `json:"isOffline"`
}

// Confirmed reports whether the record has been acknowledged by the backend.
func (r *CheckInRecord) Confirmed() bool {
	return r.SyncedAt != nil
}

// Incident is an active or resolved emergency escalation.
type Incident struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	UserID         string     `json:"userId"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// WorkerStatusSnapshot is the derived, point-in-time safety status of one
// worker. It is a pure function of the latest visible check-in record.
type WorkerStatusSnapshot struct {
	UserID         string         `json:"userId"`
	LatestCheckIn  *CheckInRecord `json:"latestCheckIn,omitempty"`
	ComputedStatus CheckInStatus  `json:"computedStatus"`
}

// ComputeSnapshot derives a worker's snapshot from the latest record for
// that worker. A nil record yields StatusUnknown, never StatusSafe.
func ComputeSnapshot(userID string, latest *CheckInRecord) WorkerStatusSnapshot {
	if latest == nil {
		return WorkerStatusSnapshot{UserID: userID, ComputedStatus: StatusUnknown}
	}
	return WorkerStatusSnapshot{
		UserID:         userID,
		LatestCheckIn:  latest,
		ComputedStatus: latest.Status,
	}
}

// OrgStats are organization-level counts over worker snapshots.
type OrgStats struct {
	Safe      int `json:"safe"`
	Overdue   int `json:"overdue"`
	Missed    int `json:"missed"`
	Emergency int `json:"emergency"`
	Unknown   int `json:"unknown"`
}
