package domain

// CollectionSelection is the user's choice of document collections to scope a
// query. Paths are unique and keep selection order. An explicit generation id
// means the user named one specific ingestion run and collection scoping is
// bypassed entirely.
type CollectionSelection struct {
	Paths                []string `json:"paths"`
	ExplicitGenerationID string   `json:"generation_id,omitempty"`
}

// Empty reports whether the selection carries neither paths nor an explicit
// generation id.
func (s CollectionSelection) Empty() bool {
	return len(s.Paths) == 0 && s.ExplicitGenerationID == ""
}

// FilterPair scopes a search to documents of one collection processed by one
// ingestion run. Derived by the filter builder, never edited by the user.
type FilterPair struct {
	Path         string `json:"path"`
	GenerationID string `json:"generation_id"`
}

// CollectionDefault describes a collection's registration state: whether an
// ingestion run has ever completed for it and, if so, which run is current.
type CollectionDefault struct {
	Path         string `json:"path"`
	Registered   bool   `json:"registered"`
	GenerationID string `json:"generation_id,omitempty"`
}
