package service

// IdentifyRequest asks the backend to identify a wine from free text
// and/or a photo.
type IdentifyRequest struct {
	Text      string `json:"text,omitempty"`
	ImageData string `json:"imageData,omitempty"` // base64-encoded
	Provider  string `json:"provider,omitempty"`  // gemini (default) or claude
}

// IdentifyResult is the single-shot identify response.
type IdentifyResult struct {
	Fields     map[Field]string `json:"fields"`
	Confidence float64          `json:"confidence"`
}

// EnrichRequest asks for supplementary detail on a confirmed identity.
type EnrichRequest struct {
	Identity map[Field]string `json:"wineIdentity"`
}

// FieldDelta is one incremental update for a named field.
type FieldDelta struct {
	Field    Field
	Value    string
	Terminal bool // last delta for this field
}

// StreamSummary carries end-of-stream metadata (identify streams only).
type StreamSummary struct {
	Confidence float64
}

// FieldStream is a server-sent stream of field deltas. Deltas is closed at
// end of stream; Errs carries at most one error; Final carries at most one
// summary. Arrival order across different fields is not guaranteed.
type FieldStream struct {
	Deltas <-chan FieldDelta
	Final  <-chan StreamSummary
	Errs   <-chan error
}

// MatchKind classifies an entity match candidate.
type MatchKind string

const (
	MatchProducer MatchKind = "producer"
	MatchRegion   MatchKind = "region"
	MatchWine     MatchKind = "wine"
)

// EntityMatchCandidate is a possible pre-existing record offered instead of
// creating a duplicate. A nil CandidateID means "create new".
type EntityMatchCandidate struct {
	Kind         MatchKind `json:"kind"`
	CandidateID  *int64    `json:"candidateId"`
	Confidence   float64   `json:"confidence"`
	DisplayLabel string    `json:"displayLabel"`
}

// ResolvedMatch records the user's disambiguation choice for one candidate
// kind. A nil CandidateID means create a new record.
type ResolvedMatch struct {
	Kind        MatchKind `json:"kind"`
	CandidateID *int64    `json:"candidateId"`
}

// AddWineRequest inserts a confirmed, enriched wine into the cellar.
type AddWineRequest struct {
	Fields          map[Field]string `json:"confirmedFields"`
	ResolvedMatches []ResolvedMatch  `json:"resolvedMatches,omitempty"`
}

// AddWineResult is the successful insert response.
type AddWineResult struct {
	WineID int64 `json:"wineId"`
}

// ConflictError reports server-side fuzzy matches that need user
// disambiguation before the insert can proceed. It is not a failure.
type ConflictError struct {
	Candidates []EntityMatchCandidate
}

func (e *ConflictError) Error() string {
	return "add-to-cellar conflict: near-duplicate records found"
}
