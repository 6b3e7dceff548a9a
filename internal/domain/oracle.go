package domain

// WindCheck asks whether an alert's described wind meets a threshold.
type WindCheck struct {
	AlertID      string     `json:"alert_id"`
	HazardType   HazardType `json:"hazard_type"`
	Headline     string     `json:"headline"`
	Description  string     `json:"description"`
	ThresholdMPH int        `json:"threshold_mph"`
}

// ExtractionRequest asks where a field report places the hazard among an
// event's locations.
type ExtractionRequest struct {
	EventKey   Key         `json:"event_key"`
	HazardType HazardType  `json:"hazard_type"`
	Report     FieldReport `json:"report"`
	Locations  []Location  `json:"locations"`
}

// Extraction is the oracle's answer. LocationIndex points into the request's
// Locations and is only meaningful when Found is true.
type Extraction struct {
	Found         bool       `json:"found"`
	Point         Coordinate `json:"point"`
	LocationIndex int        `json:"location_index"`
}
