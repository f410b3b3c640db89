package domain

import "time"

type Purpose string

const (
	PurposeEmailVerification Purpose = "EMAIL_VERIFICATION"
	PurposePhoneVerification Purpose = "PHONE_VERIFICATION"
)

// VerificationCode is a short-lived one-time code bound to an identity.
// PK: identity_id, SK: purpose. ExpiresAt doubles as the DynamoDB TTL attribute.
type VerificationCode struct {
	ID           string     `json:"id" dynamodbav:"code_id"`
	IdentityID   string     `json:"identity_id" dynamodbav:"identity_id"`
	Code         string     `json:"-" dynamodbav:"code"`
	Purpose      Purpose    `json:"purpose" dynamodbav:"purpose"`
	CreatedAt    time.Time  `json:"created" dynamodbav:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at" dynamodbav:"expires_at,unixtime"`
	AttemptCount int        `json:"attempt_count" dynamodbav:"attempt_count"`
	MaxAttempts  int        `json:"max_attempts" dynamodbav:"max_attempts"`
	Used         bool       `json:"used" dynamodbav:"used"`
	UsedAt       *time.Time `json:"used_at,omitempty" dynamodbav:"used_at,omitempty"`
}

func (c *VerificationCode) Expired(now time.Time) bool { return now.After(c.ExpiresAt) }

func (c *VerificationCode) Exhausted() bool { return c.AttemptCount >= c.MaxAttempts }
