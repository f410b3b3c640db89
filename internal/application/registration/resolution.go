package registration

import (
	"time"

	"github.com/go-identity-api/internal/config"
	"github.com/go-identity-api/internal/domain"
)

// Field is an identifier a registration competes for.
type Field string

const (
	FieldUsername Field = "username"
	FieldEmail    Field = "email"
	FieldPhone    Field = "phone"
)

// Outcome is the action a single field's holder forces on a registration.
type Outcome int

const (
	CreateFresh Outcome = iota
	Resend
	ReclaimAndCreate
	Reject
)

func (o Outcome) String() string {
	switch o {
	case CreateFresh:
		return "create_fresh"
	case Resend:
		return "resend"
	case ReclaimAndCreate:
		return "reclaim_and_create"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// Resolution is the decision for one field. Holder is set for every outcome
// except CreateFresh; Reason is set for Reject.
type Resolution struct {
	Field   Field
	Outcome Outcome
	Holder  *domain.Identity
	Reason  string
}

// Resolve decides what a request does about the current holder of one field.
func Resolve(field Field, holder *domain.Identity, req domain.RegisterRequest, now time.Time, policy config.RegistrationPolicy) Resolution {
	if holder == nil {
		return Resolution{Field: field, Outcome: CreateFresh}
	}
	if holder.IsActive() || verified(field, holder) {
		return Resolution{Field: field, Outcome: Reject, Holder: holder, Reason: takenReason(field)}
	}

	age := now.Sub(holder.CreatedAt)
	if sameRequester(holder, req) {
		if age < policy.GracePeriod {
			return Resolution{Field: field, Outcome: Resend, Holder: holder}
		}
		return Resolution{Field: field, Outcome: ReclaimAndCreate, Holder: holder}
	}
	if age < policy.ReservationWindow {
		return Resolution{Field: field, Outcome: Reject, Holder: holder, Reason: reservedReason(field)}
	}
	return Resolution{Field: field, Outcome: ReclaimAndCreate, Holder: holder}
}

// sameRequester treats a matching email or phone as proof the holder is the caller.
func sameRequester(holder *domain.Identity, req domain.RegisterRequest) bool {
	return (req.Email != "" && holder.Email == req.Email) ||
		(req.Phone != "" && holder.Phone == req.Phone)
}

func verified(field Field, holder *domain.Identity) bool {
	switch field {
	case FieldEmail:
		return holder.EmailVerified
	case FieldPhone:
		return holder.PhoneVerified
	}
	return false
}

func takenReason(field Field) string {
	switch field {
	case FieldEmail:
		return "email already registered"
	case FieldPhone:
		return "phone number already registered"
	}
	return "username already taken"
}

func reservedReason(field Field) string {
	return string(field) + " is temporarily reserved, try again later"
}

// Plan is the combined decision across all fields of one request.
type Plan struct {
	Reject   *Resolution
	Resend   *domain.Identity
	Reclaims []*domain.Identity
}

// Combine folds per-field resolutions, given in evaluation order, into a plan.
// The first rejection wins. Reclaim targets are de-duplicated and never include
// the identity being resent to.
func Combine(resolutions []Resolution) Plan {
	var p Plan
	for i := range resolutions {
		r := resolutions[i]
		switch r.Outcome {
		case Reject:
			return Plan{Reject: &r}
		case Resend:
			if p.Resend == nil {
				p.Resend = r.Holder
			}
		}
	}

	seen := make(map[string]bool)
	if p.Resend != nil {
		seen[p.Resend.ID] = true
	}
	for _, r := range resolutions {
		if r.Outcome != ReclaimAndCreate || seen[r.Holder.ID] {
			continue
		}
		seen[r.Holder.ID] = true
		p.Reclaims = append(p.Reclaims, r.Holder)
	}
	return p
}
