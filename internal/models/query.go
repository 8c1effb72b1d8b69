package models

import "fmt"

// RetrieveRequest is a single ad-hoc retrieval request (HTTP API and CLI search).
type RetrieveRequest struct {
	Query string `json:"query"`
	Mode  string `json:"mode,omitempty"`
	TopK  int    `json:"top_k,omitempty"`
}

// Validate ensures the request has a query and sets defaults.
// Returns an error if the query is empty or the mode is unknown; otherwise normalizes top_k.
func (r *RetrieveRequest) Validate(defaultTopK, maxTopK int) (Mode, error) {
	if r.Query == "" {
		return "", fmt.Errorf("%w: query cannot be empty", ErrInvalidParameter)
	}
	if r.Mode == "" {
		r.Mode = string(ModeHybrid)
	}
	mode, err := ParseMode(r.Mode)
	if err != nil {
		return "", err
	}
	if r.TopK <= 0 {
		r.TopK = defaultTopK
	}
	if maxTopK > 0 && r.TopK > maxTopK {
		r.TopK = maxTopK
	}
	return mode, nil
}
