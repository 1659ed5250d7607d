package lookup

// TrustVerdict is the composite outcome of one lookup: a set of named
// boolean facts, one per validation rule. OverallCompliant is the
// conjunction of every other fact and is recomputed by Finalize; the
// verdict is never exposed before all stages have completed or timed out.
type TrustVerdict struct {
	// Directory resolution.
	DNSResolutionSucceeded bool `json:"dnsResolutionSucceeded"`

	// Metadata retrieval.
	MetadataRetrieved bool `json:"metadataRetrieved"`

	// Certificate chain validation.
	CertificateTimeValid      bool `json:"certificateTimeValid"`
	CertificateNotExpired     bool `json:"certificateNotExpired"`
	CertificateKeyLengthValid bool `json:"certificateKeyLengthValid"`
	CertificateKeyUsageValid  bool `json:"certificateKeyUsageValid"`
	CertificateChainValid     bool `json:"certificateChainValid"`
	CertificatePolicyValid    bool `json:"certificatePolicyValid"`
	CertificateAnchorValid    bool `json:"certificateAnchorValid"`
	CertificateSubjectValid   bool `json:"certificateSubjectValid"`

	// Signature validation.
	SignaturePresent          bool `json:"signaturePresent"`
	CanonicalizationValid     bool `json:"canonicalizationValid"`
	SignatureAlgorithmValid   bool `json:"signatureAlgorithmValid"`
	SignatureValid            bool `json:"signatureValid"`
	SignatureCertificateMatch bool `json:"signatureCertificateMatch"`

	// Revocation. RevocationChecked is false when every provider was
	// unreachable; that carries a WARNING, not an ERROR, but still
	// blocks overall compliance.
	RevocationChecked     bool `json:"revocationChecked"`
	CertificateNotRevoked bool `json:"certificateNotRevoked"`

	// Endpoint validation.
	TransportProfileValid bool `json:"transportProfileValid"`
	EndpointURLValid      bool `json:"endpointUrlValid"`
	EndpointReachable     bool `json:"endpointReachable"`
	TLSCertificateMatch   bool `json:"tlsCertificateMatch"`
	ServiceAvailable      bool `json:"serviceAvailable"`

	// OverallCompliant is true iff every other fact is true.
	OverallCompliant bool `json:"overallCompliant"`
}

// Finalize recomputes OverallCompliant from the other facts and returns the
// verdict.
func (v *TrustVerdict) Finalize() *TrustVerdict {
	v.OverallCompliant = v.DNSResolutionSucceeded &&
		v.MetadataRetrieved &&
		v.CertificateTimeValid &&
		v.CertificateNotExpired &&
		v.CertificateKeyLengthValid &&
		v.CertificateKeyUsageValid &&
		v.CertificateChainValid &&
		v.CertificatePolicyValid &&
		v.CertificateAnchorValid &&
		v.CertificateSubjectValid &&
		v.SignaturePresent &&
		v.CanonicalizationValid &&
		v.SignatureAlgorithmValid &&
		v.SignatureValid &&
		v.SignatureCertificateMatch &&
		v.RevocationChecked &&
		v.CertificateNotRevoked &&
		v.TransportProfileValid &&
		v.EndpointURLValid &&
		v.EndpointReachable &&
		v.TLSCertificateMatch &&
		v.ServiceAvailable
	return v
}
