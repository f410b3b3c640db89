package dynamo

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-identity-api/internal/domain"
)

// IdentityRepo stores identities keyed by identity_id. Username, email and phone
// are looked up through GSIs, which are not unique, so lookups pick a winner.
type IdentityRepo struct {
	client    API
	tableName string
}

func NewIdentityRepo(client API, tableName string) *IdentityRepo {
	return &IdentityRepo{client: client, tableName: tableName}
}

func (r *IdentityRepo) Save(ctx context.Context, i *domain.Identity) error {
	item, err := attributevalue.MarshalMap(i)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put identity %s: %w", i.ID, err)
	}
	return nil
}

// Activate writes the activation fields of i only while the stored item
// exists and is PENDING, so a reclaimed or swept identity is never revived.
func (r *IdentityRepo) Activate(ctx context.Context, i *domain.Identity) error {
	updates := map[string]interface{}{
		fieldStatus:    string(i.Status),
		fieldUpdatedAt: i.UpdatedAt,
	}
	if i.RegistrationChannel == domain.ChannelPhone {
		updates[fieldPhoneOK], updates[fieldPhoneOKAt] = i.PhoneVerified, i.PhoneVerifiedAt
	} else {
		updates[fieldEmailOK], updates[fieldEmailOKAt] = i.EmailVerified, i.EmailVerifiedAt
	}
	ue, err := buildUpdateExpr(updates)
	if err != nil {
		return err
	}
	ue.Names["#pk"] = fieldIdentityID
	ue.Names["#st"] = fieldStatus
	ue.Values[":pending"] = &types.AttributeValueMemberS{Value: string(domain.StatusPending)}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       strKey(fieldIdentityID, i.ID),
		UpdateExpression:          aws.String(ue.Expr),
		ConditionExpression:       aws.String("attribute_exists(#pk) AND #st = :pending"),
		ExpressionAttributeNames:  ue.Names,
		ExpressionAttributeValues: ue.Values,
	})
	if isConditionFailed(err) {
		return domain.ErrStaleWrite
	}
	if err != nil {
		return fmt.Errorf("activate identity %s: %w", i.ID, err)
	}
	return nil
}

func (r *IdentityRepo) FindByID(ctx context.Context, identityID string) (*domain.Identity, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            strKey(fieldIdentityID, identityID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get identity %s: %w", identityID, err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("identity %s: %w", identityID, domain.ErrNotFound)
	}
	var i domain.Identity
	if err := attributevalue.UnmarshalMap(out.Item, &i); err != nil {
		return nil, fmt.Errorf("unmarshal identity: %w", err)
	}
	return &i, nil
}

func (r *IdentityRepo) FindByUsername(ctx context.Context, username string) (*domain.Identity, error) {
	return r.findBy(ctx, indexUsername, fieldUsername, username)
}

func (r *IdentityRepo) FindByEmail(ctx context.Context, email string) (*domain.Identity, error) {
	return r.findBy(ctx, indexEmail, fieldEmail, email)
}

func (r *IdentityRepo) FindByPhone(ctx context.Context, phone string) (*domain.Identity, error) {
	return r.findBy(ctx, indexPhone, fieldPhone, phone)
}

// findBy queries a GSI and returns the ACTIVE holder if any, otherwise the oldest.
func (r *IdentityRepo) findBy(ctx context.Context, index, attr, value string) (*domain.Identity, error) {
	if value == "" {
		return nil, fmt.Errorf("identity: %w", domain.ErrNotFound)
	}
	p := dynamodb.NewQueryPaginator(r.client, &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		IndexName:                 aws.String(index),
		KeyConditionExpression:    aws.String("#a = :v"),
		ExpressionAttributeNames:  map[string]string{"#a": attr},
		ExpressionAttributeValues: map[string]types.AttributeValue{":v": &types.AttributeValueMemberS{Value: value}},
	})
	var all []domain.Identity
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", index, err)
		}
		var batch []domain.Identity
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal identities: %w", err)
		}
		all = append(all, batch...)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("identity: %w", domain.ErrNotFound)
	}
	sort.SliceStable(all, func(a, b int) bool {
		if all[a].IsActive() != all[b].IsActive() {
			return all[a].IsActive()
		}
		return all[a].CreatedAt.Before(all[b].CreatedAt)
	})
	return &all[0], nil
}

func (r *IdentityRepo) DeleteByID(ctx context.Context, identityID string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       strKey(fieldIdentityID, identityID),
	})
	if err != nil {
		return fmt.Errorf("delete identity %s: %w", identityID, err)
	}
	return nil
}

// FindPendingOlderThan queries the status-created_at GSI for PENDING identities
// created strictly before cutoff, oldest first.
func (r *IdentityRepo) FindPendingOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Identity, error) {
	p := dynamodb.NewQueryPaginator(r.client, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(indexStatusCreatedAt),
		KeyConditionExpression: aws.String("#s = :s AND #c < :cutoff"),
		ExpressionAttributeNames: map[string]string{
			"#s": fieldStatus,
			"#c": fieldCreatedAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s":      &types.AttributeValueMemberS{Value: string(domain.StatusPending)},
			":cutoff": &types.AttributeValueMemberN{Value: strconv.FormatInt(cutoff.Unix(), 10)},
		},
		ScanIndexForward: aws.Bool(true),
	})
	var out []domain.Identity
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", indexStatusCreatedAt, err)
		}
		var batch []domain.Identity
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal identities: %w", err)
		}
		out = append(out, batch...)
	}
	return out, nil
}
