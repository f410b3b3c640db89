package domain

import "time"

type IdentityStatus string

const (
	StatusPending IdentityStatus = "PENDING"
	StatusActive  IdentityStatus = "ACTIVE"
)

type Channel string

const (
	ChannelEmail    Channel = "EMAIL"
	ChannelPhone    Channel = "PHONE"
	ChannelExternal Channel = "EXTERNAL"
)

// Identity is a claimed username plus contact points. It starts PENDING and
// becomes ACTIVE once the registration channel is verified.
// created_at is stored as unix seconds so the status-created_at GSI sorts numerically.
type Identity struct {
	ID                  string         `json:"id" dynamodbav:"identity_id"`
	Username            string         `json:"username" dynamodbav:"username"`
	Email               string         `json:"email,omitempty" dynamodbav:"email,omitempty"`
	Phone               string         `json:"phone,omitempty" dynamodbav:"phone,omitempty"`
	PasswordHash        string         `json:"-" dynamodbav:"password_hash"`
	FullName            string         `json:"full_name,omitempty" dynamodbav:"full_name,omitempty"`
	Status              IdentityStatus `json:"status" dynamodbav:"status"`
	RegistrationChannel Channel        `json:"registration_channel" dynamodbav:"registration_channel"`
	EmailVerified       bool           `json:"email_verified" dynamodbav:"email_verified"`
	EmailVerifiedAt     *time.Time     `json:"email_verified_at,omitempty" dynamodbav:"email_verified_at,omitempty"`
	PhoneVerified       bool           `json:"phone_verified" dynamodbav:"phone_verified"`
	PhoneVerifiedAt     *time.Time     `json:"phone_verified_at,omitempty" dynamodbav:"phone_verified_at,omitempty"`
	RegistrationIP      string         `json:"-" dynamodbav:"registration_ip,omitempty"`
	CreatedAt           time.Time      `json:"created" dynamodbav:"created_at,unixtime"`
	UpdatedAt           time.Time      `json:"updated" dynamodbav:"updated_at"`
	LastLoginAt         *time.Time     `json:"last_login_at,omitempty" dynamodbav:"last_login_at,omitempty"`
}

func (i *Identity) IsActive() bool { return i.Status == StatusActive }

// Purpose returns the verification purpose matching the registration channel.
func (i *Identity) Purpose() Purpose {
	if i.RegistrationChannel == ChannelPhone {
		return PurposePhoneVerification
	}
	return PurposeEmailVerification
}

// Address returns the contact point codes are delivered to.
func (i *Identity) Address() string {
	if i.RegistrationChannel == ChannelPhone {
		return i.Phone
	}
	return i.Email
}

// Activate flips the identity to ACTIVE and stamps the verified flag of its channel.
func (i *Identity) Activate(now time.Time) {
	i.Status = StatusActive
	i.UpdatedAt = now
	if i.RegistrationChannel == ChannelPhone {
		i.PhoneVerified = true
		i.PhoneVerifiedAt = &now
		return
	}
	i.EmailVerified = true
	i.EmailVerifiedAt = &now
}

// RegisterRequest is the inbound payload of a registration attempt.
type RegisterRequest struct {
	Username string `json:"username" validate:"required,username"`
	Email    string `json:"email" validate:"omitempty,email,max=254"`
	Phone    string `json:"phone" validate:"omitempty,e164"`
	Password string `json:"password" validate:"required,min=8,max=72,bcrypt,password"`
	FullName string `json:"full_name" validate:"omitempty,min=2,max=100"`
}

type VerifyRequest struct {
	Code string `json:"code" validate:"required,numeric,min=4,max=12"`
}

// LoginRequest accepts a username, email or phone as identifier.
type LoginRequest struct {
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`
}

type ExternalLoginRequest struct {
	IDToken string `json:"id_token" validate:"required"`
}
