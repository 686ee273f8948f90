package envelope

// SignedActor is one signature as it travels from a verifier to a lookup.
type SignedActor struct {
	URI           string `json:"uri"`
	Signature     string `json:"signature"`
	SignatureTime int64  `json:"signature_time"`
}

// SignaturesBatch is the body of POST /actors/sign.
type SignaturesBatch struct {
	SignedBy   string        `json:"signed_by"`
	Signatures []SignedActor `json:"signatures"`
}
