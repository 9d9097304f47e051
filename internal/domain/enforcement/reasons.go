package enforcement

import "fmt"

// Denial reasons. The set is closed and the strings are stable; callers and
// tests match on them. Dependency error text never appears in a reason.
const (
	ReasonNoToken            = "No consent token provided"
	ReasonTokenNotRecognized = "Consent token is not recognized"
	ReasonTokenRevoked       = "Consent token is revoked, not active"
	ReasonSubjectMismatch    = "Token subject does not match requested patient"
	ReasonGranteeMismatch    = "Token organization does not match requesting organization"
	ReasonGrantNotFound      = "Consent resource not found"
	ReasonNotStarted         = "Consent period has not started yet"
	ReasonExpired            = "Consent period has expired"
	ReasonUnavailable        = "Consent verification is temporarily unavailable"

	ReasonJustificationRequired   = "Emergency access requires detailed justification"
	ReasonOrganizationNotFound    = "Requesting organization not found"
	ReasonDirectoryUnavailable    = "Organization directory is temporarily unavailable"
	ReasonNotHospital             = "Only hospitals can request emergency access"
	ReasonOrganizationInactive    = "Requesting organization is not active"
	ReasonEmergencyRateLimited    = "Emergency access rate limit exceeded"
	ReasonEmergencyRateLimitError = "Emergency access rate limit unavailable"

	ReasonRecordNotFound        = "Requested resource not found"
	ReasonRecordUnavailable     = "Clinical record store is temporarily unavailable"
	ReasonRecordOutOfScope      = "Requested resource is outside the consented resource types"
	ReasonRecordSubjectMismatch = "Requested resource does not belong to requested patient"
	ReasonRecordNotActive       = "Requested resource is not available"

	ReasonMalformedRequest = "Access request is malformed or missing required fields"
)

func reasonPurposeMismatch(allowed, requested string) string {
	return fmt.Sprintf("Purpose mismatch: token allows %s, requested %s", allowed, requested)
}

func reasonStatus(status string) string {
	return fmt.Sprintf("Consent status is %s, not active", status)
}

func reasonActionNotPermitted(action string) string {
	return fmt.Sprintf("Action %s is not permitted by this consent", action)
}

func reasonResourceTypeNotPermitted(resourceType string) string {
	return fmt.Sprintf("Resource type %s is not permitted by this consent", resourceType)
}

func reasonUnsupportedAction(action string) string {
	return fmt.Sprintf("Unsupported action %s", action)
}
