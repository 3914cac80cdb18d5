package imagegen

import "strings"

type FailureClass int

const (
	FailureOther FailureClass = iota
	FailureSafetyBlocked
)

// Providers only report policy refusals in free-text error bodies, so this
// list is the whole contract. Entries are matched case-insensitively.
var safetySignatures = []string{
	"block reason safety",
	"finish reason safety",
	"image_safety",
	"prohibited_content",
	"prohibited content",
	"blocklist",
	"spii",
	"content_policy_violation",
	"content policy",
	"moderation_blocked",
	"safety system",
	"safety filter",
	"responsible ai",
	"violation of our usage policies",
	"sensitive words",
}

// ClassifyFailure reports whether an error message signals a policy block.
func ClassifyFailure(message string) FailureClass {
	m := strings.ToLower(message)
	for _, sig := range safetySignatures {
		if strings.Contains(m, sig) {
			return FailureSafetyBlocked
		}
	}
	return FailureOther
}
