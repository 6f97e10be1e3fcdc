package protocol

// ModelPayload is the plaintext sealed inside a GlobalModelAnnouncement's
// policy ciphertext.
type ModelPayload struct {
	ModelVersion int       `json:"model_version"`
	RoundNumber  int       `json:"round_number"`
	Parameters   []float64 `json:"parameters"`
}
