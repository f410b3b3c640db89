package dynamo

// DynamoDB attribute and index names used in expressions across the repos.
const (
	fieldIdentityID   = "identity_id"
	fieldUsername     = "username"
	fieldEmail        = "email"
	fieldPhone        = "phone"
	fieldStatus       = "status"
	fieldCreatedAt    = "created_at"
	fieldUpdatedAt    = "updated_at"
	fieldEmailOK      = "email_verified"
	fieldEmailOKAt    = "email_verified_at"
	fieldPhoneOK      = "phone_verified"
	fieldPhoneOKAt    = "phone_verified_at"
	fieldCodeID       = "code_id"
	fieldPurpose      = "purpose"
	fieldAttemptCount = "attempt_count"
	fieldUsed         = "used"
	fieldUsedAt       = "used_at"
	fieldExpiresAt    = "expires_at"

	indexUsername        = "username-index"
	indexEmail           = "email-index"
	indexPhone           = "phone-index"
	indexStatusCreatedAt = "status-created_at-index"
)
