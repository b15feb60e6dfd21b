package accesspolicy

import (
	"time"

	"researchhub/pkg/models"
)

// Reason codes attached to every decision.
const (
	ReasonOwner              = "OWNER"
	ReasonCollaborator       = "COLLABORATOR"
	ReasonApprovedRequest    = "APPROVED_REQUEST"
	ReasonPublicDataset      = "PUBLIC_DATASET"
	ReasonRequestExpired     = "REQUEST_EXPIRED"
	ReasonRequestNotApproved = "REQUEST_NOT_APPROVED"
	ReasonAccessDenied       = "ACCESS_DENIED"
)

type Decision struct {
	Allowed bool
	Reason  string
}

// Evaluate decides whether principal may read the dataset. It is a pure
// function of its inputs; the caller records the outcome in the audit
// log. Grants, checked in order: dataset owner, project collaborator,
// approved non-expired access request, public dataset.
func Evaluate(ds models.Dataset, principal string, now time.Time) Decision {
	if principal != "" && principal == ds.OwnerID {
		return Decision{Allowed: true, Reason: ReasonOwner}
	}
	for _, c := range ds.Collaborators {
		if principal != "" && principal == c {
			return Decision{Allowed: true, Reason: ReasonCollaborator}
		}
	}
	if d, ok := evaluateRequest(ds.Request, principal, now); ok {
		return d
	}
	if ds.PrivacyLevel == models.PrivacyPublic {
		return Decision{Allowed: true, Reason: ReasonPublicDataset}
	}
	return Decision{Allowed: false, Reason: ReasonAccessDenied}
}

// evaluateRequest returns a decision only when the request would grant
// access; a non-granting request falls through so a public privacy
// level can still allow.
func evaluateRequest(req *models.AccessRequest, principal string, now time.Time) (Decision, bool) {
	if req == nil || principal == "" || req.RequesterID != principal {
		return Decision{}, false
	}
	if req.Status != models.RequestApproved {
		return Decision{}, false
	}
	// Expiry is a closed-open interval: a grant expiring exactly at
	// `now` is already expired.
	if req.ExpiresAt != nil && !now.Before(*req.ExpiresAt) {
		return Decision{}, false
	}
	return Decision{Allowed: true, Reason: ReasonApprovedRequest}, true
}

// Explain reports why a request held by the principal does not grant
// access. Used for audit detail on denials.
func Explain(req *models.AccessRequest, principal string, now time.Time) string {
	if req == nil || req.RequesterID != principal {
		return ReasonAccessDenied
	}
	if req.Status != models.RequestApproved {
		return ReasonRequestNotApproved
	}
	if req.ExpiresAt != nil && !now.Before(*req.ExpiresAt) {
		return ReasonRequestExpired
	}
	return ReasonAccessDenied
}
