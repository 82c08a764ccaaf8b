package zaptec

import "time"

// DeviceKind discriminates the two vendor entities the bridge tracks.
type DeviceKind string

const (
	KindInstallation DeviceKind = "installation"
	KindCharger      DeviceKind = "charger"
)

// Device is the stable identity of a tracked installation or charger.
// Chargers carry the id of the installation that owns them; standalone
// chargers have an empty InstallationID.
type Device struct {
	ID             string
	Name           string
	Kind           DeviceKind
	InstallationID string
	CircuitID      string
	DeviceType     int
}

// Value is a cached attribute as seen by the host. Pending marks an
// optimistic value that has not yet been confirmed by a poll.
type Value struct {
	Value   any
	Pending bool
	Updated time.Time
}

// DeviceSnapshot is the serializable diagnostics view of one device.
type DeviceSnapshot struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Kind       DeviceKind     `json:"kind"`
	Available  bool           `json:"available"`
	Attributes map[string]any `json:"attributes"`
	Pending    map[string]any `json:"pending,omitempty"`
}

// stateEntry is one row of the charger state listing.
type stateEntry struct {
	StateID       int    `json:"StateId"`
	Value         any    `json:"Value"`
	ValueAsString string `json:"ValueAsString"`
	Timestamp     string `json:"Timestamp"`
}

// pagedResponse wraps the vendor's list envelopes.
type pagedResponse struct {
	Data []map[string]any `json:"Data"`
}

// hierarchyResponse is the circuit tree of an installation.
type hierarchyResponse struct {
	Circuits []hierarchyCircuit `json:"Circuits"`
}

type hierarchyCircuit struct {
	ID         string           `json:"Id"`
	Name       string           `json:"Name"`
	MaxCurrent float64          `json:"MaxCurrent"`
	Chargers   []map[string]any `json:"Chargers"`
}

// firmwareInfo is one charger's row of the installation firmware listing.
// Chargers added to the platform but never initialized report null fields.
type firmwareInfo struct {
	ChargerID        string  `json:"ChargerId"`
	CurrentVersion   *string `json:"CurrentVersion"`
	AvailableVersion *string `json:"AvailableVersion"`
	IsUpToDate       *bool   `json:"IsUpToDate"`
}

// InstallationLimit is the payload for setting available current on an
// installation. Either Total or all three phases must be set, never both.
type InstallationLimit struct {
	Total  *float64
	Phase1 *float64
	Phase2 *float64
	Phase3 *float64
}
