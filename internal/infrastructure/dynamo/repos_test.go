package dynamo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-identity-api/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockAPI struct{ mock.Mock }

func (m *mockAPI) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.PutItemOutput)
	return out, args.Error(1)
}

func (m *mockAPI) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.GetItemOutput)
	return out, args.Error(1)
}

func (m *mockAPI) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.DeleteItemOutput)
	return out, args.Error(1)
}

func (m *mockAPI) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.UpdateItemOutput)
	return out, args.Error(1)
}

func (m *mockAPI) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.QueryOutput)
	return out, args.Error(1)
}

func (m *mockAPI) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.ScanOutput)
	return out, args.Error(1)
}

// --- helpers ---

var created = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func item(t *testing.T, v interface{}) map[string]types.AttributeValue {
	t.Helper()
	m, err := attributevalue.MarshalMap(v)
	require.NoError(t, err)
	return m
}

func pendingIdentity(id string, createdAt time.Time) domain.Identity {
	return domain.Identity{
		ID:                  id,
		Username:            "alice",
		Email:               "alice@example.com",
		Status:              domain.StatusPending,
		RegistrationChannel: domain.ChannelEmail,
		CreatedAt:           createdAt,
		UpdatedAt:           createdAt,
	}
}

// --- IdentityRepo ---

func TestIdentityRepo_Save_Attributes(t *testing.T) {
	api := &mockAPI{}
	repo := NewIdentityRepo(api, "identities")
	i := pendingIdentity("id-1", created)

	api.On("PutItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.PutItemInput) bool {
		n, ok := in.Item[fieldCreatedAt].(*types.AttributeValueMemberN)
		_, hasPhone := in.Item[fieldPhone]
		return *in.TableName == "identities" && ok && n.Value == "1772366400" && !hasPhone
	})).Return(&dynamodb.PutItemOutput{}, nil).Once()

	require.NoError(t, repo.Save(context.Background(), &i))
	api.AssertExpectations(t)
}

func TestIdentityRepo_FindByID_NotFound(t *testing.T) {
	api := &mockAPI{}
	repo := NewIdentityRepo(api, "identities")
	api.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{}, nil)

	_, err := repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIdentityRepo_FindByEmail_PrefersActive(t *testing.T) {
	api := &mockAPI{}
	repo := NewIdentityRepo(api, "identities")
	older := pendingIdentity("id-old", created)
	active := pendingIdentity("id-active", created.Add(time.Hour))
	active.Status = domain.StatusActive

	api.On("Query", mock.Anything, mock.MatchedBy(func(in *dynamodb.QueryInput) bool {
		return *in.IndexName == indexEmail && in.ExpressionAttributeNames["#a"] == fieldEmail
	})).Return(&dynamodb.QueryOutput{
		Items: []map[string]types.AttributeValue{item(t, older), item(t, active)},
	}, nil)

	got, err := repo.FindByEmail(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "id-active", got.ID)
	assert.True(t, created.Add(time.Hour).Equal(got.CreatedAt))
}

func TestIdentityRepo_FindByUsername_OldestPending(t *testing.T) {
	api := &mockAPI{}
	repo := NewIdentityRepo(api, "identities")
	api.On("Query", mock.Anything, mock.Anything).Return(&dynamodb.QueryOutput{
		Items: []map[string]types.AttributeValue{
			item(t, pendingIdentity("id-new", created.Add(time.Minute))),
			item(t, pendingIdentity("id-old", created)),
		},
	}, nil)

	got, err := repo.FindByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "id-old", got.ID)
}

func TestIdentityRepo_FindByPhone_EmptyValue(t *testing.T) {
	api := &mockAPI{}
	repo := NewIdentityRepo(api, "identities")

	_, err := repo.FindByPhone(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	api.AssertNotCalled(t, "Query", mock.Anything, mock.Anything)
}

func TestIdentityRepo_FindPendingOlderThan(t *testing.T) {
	api := &mockAPI{}
	repo := NewIdentityRepo(api, "identities")
	cutoff := created.Add(30 * time.Minute)

	api.On("Query", mock.Anything, mock.MatchedBy(func(in *dynamodb.QueryInput) bool {
		n, ok := in.ExpressionAttributeValues[":cutoff"].(*types.AttributeValueMemberN)
		return *in.IndexName == indexStatusCreatedAt && ok && n.Value == "1772368200"
	})).Return(&dynamodb.QueryOutput{
		Items: []map[string]types.AttributeValue{item(t, pendingIdentity("id-1", created))},
	}, nil)

	got, err := repo.FindPendingOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "id-1", got[0].ID)
}

func TestIdentityRepo_Activate_ConditionalOnPending(t *testing.T) {
	api := &mockAPI{}
	repo := NewIdentityRepo(api, "identities")
	i := pendingIdentity("id-1", created)
	i.Activate(created.Add(time.Minute))

	api.On("UpdateItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.UpdateItemInput) bool {
		return *in.UpdateExpression == "SET #f0 = :v0, #f1 = :v1, #f2 = :v2, #f3 = :v3" &&
			in.ExpressionAttributeNames["#f0"] == fieldEmailOK &&
			in.ExpressionAttributeNames["#f2"] == fieldStatus &&
			*in.ConditionExpression == "attribute_exists(#pk) AND #st = :pending" &&
			in.ExpressionAttributeValues[":pending"].(*types.AttributeValueMemberS).Value == "PENDING"
	})).Return(&dynamodb.UpdateItemOutput{}, nil).Once()

	require.NoError(t, repo.Activate(context.Background(), &i))
	api.AssertExpectations(t)
}

func TestIdentityRepo_Activate_Gone(t *testing.T) {
	api := &mockAPI{}
	repo := NewIdentityRepo(api, "identities")
	i := pendingIdentity("id-1", created)
	i.Activate(created)
	api.On("UpdateItem", mock.Anything, mock.Anything).Return(nil, &types.ConditionalCheckFailedException{})

	assert.ErrorIs(t, repo.Activate(context.Background(), &i), domain.ErrStaleWrite)
}

func TestIdentityRepo_DeleteByID_Error(t *testing.T) {
	api := &mockAPI{}
	repo := NewIdentityRepo(api, "identities")
	api.On("DeleteItem", mock.Anything, mock.Anything).Return(nil, errors.New("throttled"))

	err := repo.DeleteByID(context.Background(), "id-1")
	assert.ErrorContains(t, err, "throttled")
}

// --- CodeRepo ---

func sampleCode() *domain.VerificationCode {
	return &domain.VerificationCode{
		ID:           "code-1",
		IdentityID:   "id-1",
		Code:         "123456",
		Purpose:      domain.PurposeEmailVerification,
		CreatedAt:    created,
		ExpiresAt:    created.Add(10 * time.Minute),
		AttemptCount: 2,
		MaxAttempts:  5,
	}
}

func TestCodeRepo_FindUnused_SkipsUsed(t *testing.T) {
	api := &mockAPI{}
	repo := NewCodeRepo(api, "codes")
	used := sampleCode()
	used.Used = true
	api.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{Item: item(t, used)}, nil)

	_, err := repo.FindUnused(context.Background(), "id-1", domain.PurposeEmailVerification)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCodeRepo_FindUnused(t *testing.T) {
	api := &mockAPI{}
	repo := NewCodeRepo(api, "codes")
	api.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{Item: item(t, sampleCode())}, nil)

	c, err := repo.FindUnused(context.Background(), "id-1", domain.PurposeEmailVerification)
	require.NoError(t, err)
	assert.Equal(t, "123456", c.Code)
	assert.True(t, created.Add(10*time.Minute).Equal(c.ExpiresAt))
}

func TestCodeRepo_FindByIdentityID(t *testing.T) {
	api := &mockAPI{}
	repo := NewCodeRepo(api, "codes")
	phone := sampleCode()
	phone.ID, phone.Purpose = "code-2", domain.PurposePhoneVerification
	api.On("Query", mock.Anything, mock.MatchedBy(func(in *dynamodb.QueryInput) bool {
		return in.IndexName == nil && aws.ToBool(in.ConsistentRead)
	})).Return(&dynamodb.QueryOutput{
		Items: []map[string]types.AttributeValue{item(t, sampleCode()), item(t, phone)},
	}, nil)

	codes, err := repo.FindByIdentityID(context.Background(), "id-1")
	require.NoError(t, err)
	require.Len(t, codes, 2)
	assert.Equal(t, "code-1", codes[0].ID)
	assert.Equal(t, domain.PurposePhoneVerification, codes[1].Purpose)
}

func TestCodeRepo_IncrementAttempts(t *testing.T) {
	api := &mockAPI{}
	repo := NewCodeRepo(api, "codes")
	c := sampleCode()

	api.On("UpdateItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.UpdateItemInput) bool {
		n, ok := in.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberN)
		return ok && n.Value == "2" && in.ConditionExpression != nil
	})).Return(&dynamodb.UpdateItemOutput{}, nil).Once()

	require.NoError(t, repo.IncrementAttempts(context.Background(), c))
	assert.Equal(t, 3, c.AttemptCount)
}

func TestCodeRepo_IncrementAttempts_LostRace(t *testing.T) {
	api := &mockAPI{}
	repo := NewCodeRepo(api, "codes")
	c := sampleCode()
	api.On("UpdateItem", mock.Anything, mock.Anything).Return(nil, &types.ConditionalCheckFailedException{})

	err := repo.IncrementAttempts(context.Background(), c)
	assert.ErrorIs(t, err, domain.ErrStaleWrite)
	assert.Equal(t, 2, c.AttemptCount)
}

func TestCodeRepo_MarkUsed(t *testing.T) {
	api := &mockAPI{}
	repo := NewCodeRepo(api, "codes")
	c := sampleCode()
	at := created.Add(time.Minute)

	api.On("UpdateItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.UpdateItemInput) bool {
		return *in.UpdateExpression == "SET #f0 = :v0, #f1 = :v1" &&
			in.ExpressionAttributeNames["#f0"] == fieldUsed &&
			in.ExpressionAttributeNames["#f1"] == fieldUsedAt
	})).Return(&dynamodb.UpdateItemOutput{}, nil).Once()

	require.NoError(t, repo.MarkUsed(context.Background(), c, at))
	assert.True(t, c.Used)
	assert.Equal(t, at, *c.UsedAt)
}

func TestCodeRepo_MarkUsed_AlreadyUsed(t *testing.T) {
	api := &mockAPI{}
	repo := NewCodeRepo(api, "codes")
	api.On("UpdateItem", mock.Anything, mock.Anything).Return(nil, &types.ConditionalCheckFailedException{})

	err := repo.MarkUsed(context.Background(), sampleCode(), created)
	assert.ErrorIs(t, err, domain.ErrStaleWrite)
}

func TestCodeRepo_Delete_ReplacedCodeIsNoop(t *testing.T) {
	api := &mockAPI{}
	repo := NewCodeRepo(api, "codes")
	api.On("DeleteItem", mock.Anything, mock.Anything).Return(nil, &types.ConditionalCheckFailedException{})

	assert.NoError(t, repo.Delete(context.Background(), sampleCode()))
}

func TestCodeRepo_DeleteByIdentityID(t *testing.T) {
	api := &mockAPI{}
	repo := NewCodeRepo(api, "codes")
	keys := []map[string]types.AttributeValue{
		compositeKey(fieldIdentityID, "id-1", fieldPurpose, string(domain.PurposeEmailVerification)),
		compositeKey(fieldIdentityID, "id-1", fieldPurpose, string(domain.PurposePhoneVerification)),
	}
	api.On("Query", mock.Anything, mock.Anything).Return(&dynamodb.QueryOutput{Items: keys}, nil)
	api.On("DeleteItem", mock.Anything, mock.Anything).Return(&dynamodb.DeleteItemOutput{}, nil).Twice()

	require.NoError(t, repo.DeleteByIdentityID(context.Background(), "id-1"))
	api.AssertExpectations(t)
}

func TestCodeRepo_DeleteExpiredBefore(t *testing.T) {
	api := &mockAPI{}
	repo := NewCodeRepo(api, "codes")
	key := compositeKey(fieldIdentityID, "id-1", fieldPurpose, string(domain.PurposeEmailVerification))
	api.On("Scan", mock.Anything, mock.Anything).Return(&dynamodb.ScanOutput{
		Items: []map[string]types.AttributeValue{key},
	}, nil)
	api.On("DeleteItem", mock.Anything, mock.Anything).Return(&dynamodb.DeleteItemOutput{}, nil).Once()

	n, err := repo.DeleteExpiredBefore(context.Background(), created)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
