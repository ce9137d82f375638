package model

type (
	Point struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}

	// PresenceData is the ephemeral, last-write-wins state of one peer's
	// cursor, selection and viewport. LastUpdate is unix milliseconds; stale
	// entries are garbage-collected by the presence channel.
	PresenceData struct {
		UserID         string   `json:"userId"`
		Cursor         *Point   `json:"cursor,omitempty"`
		Selection      []string `json:"selection,omitempty"`
		ViewportCenter *Point   `json:"viewportCenter,omitempty"`
		ViewportZoom   float64  `json:"viewportZoom,omitempty"`
		IsActive       bool     `json:"isActive"`
		LastUpdate     int64    `json:"lastUpdate"`
	}
)
