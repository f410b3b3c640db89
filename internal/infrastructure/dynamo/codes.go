package dynamo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-identity-api/internal/domain"
)

// CodeRepo stores at most one verification code per identity and purpose.
// PK: identity_id, SK: purpose. expires_at is the table TTL attribute; TTL
// deletion lags, so readers still check expiry themselves.
type CodeRepo struct {
	client    API
	tableName string
}

func NewCodeRepo(client API, tableName string) *CodeRepo {
	return &CodeRepo{client: client, tableName: tableName}
}

func (r *CodeRepo) key(c *domain.VerificationCode) map[string]types.AttributeValue {
	return compositeKey(fieldIdentityID, c.IdentityID, fieldPurpose, string(c.Purpose))
}

// Save writes c, replacing any earlier code for the same identity and purpose.
func (r *CodeRepo) Save(ctx context.Context, c *domain.VerificationCode) error {
	item, err := attributevalue.MarshalMap(c)
	if err != nil {
		return fmt.Errorf("marshal verification code: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put verification code: %w", err)
	}
	return nil
}

func (r *CodeRepo) FindUnused(ctx context.Context, identityID string, purpose domain.Purpose) (*domain.VerificationCode, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            compositeKey(fieldIdentityID, identityID, fieldPurpose, string(purpose)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get verification code: %w", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("code for %s: %w", identityID, domain.ErrNotFound)
	}
	var c domain.VerificationCode
	if err := attributevalue.UnmarshalMap(out.Item, &c); err != nil {
		return nil, fmt.Errorf("unmarshal verification code: %w", err)
	}
	if c.Used {
		return nil, fmt.Errorf("code for %s: %w", identityID, domain.ErrNotFound)
	}
	return &c, nil
}

// FindByIdentityID returns every code stored for identityID, one per purpose.
func (r *CodeRepo) FindByIdentityID(ctx context.Context, identityID string) ([]domain.VerificationCode, error) {
	p := dynamodb.NewQueryPaginator(r.client, &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		KeyConditionExpression:    aws.String("#pk = :pk"),
		ConsistentRead:            aws.Bool(true),
		ExpressionAttributeNames:  map[string]string{"#pk": fieldIdentityID},
		ExpressionAttributeValues: map[string]types.AttributeValue{":pk": &types.AttributeValueMemberS{Value: identityID}},
	})
	var codes []domain.VerificationCode
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query codes of %s: %w", identityID, err)
		}
		var batch []domain.VerificationCode
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal verification codes: %w", err)
		}
		codes = append(codes, batch...)
	}
	return codes, nil
}

// IncrementAttempts bumps attempt_count only if it still holds the value c was
// read with. A lost race returns domain.ErrStaleWrite.
func (r *CodeRepo) IncrementAttempts(ctx context.Context, c *domain.VerificationCode) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 r.key(c),
		UpdateExpression:    aws.String("SET #n = #n + :one"),
		ConditionExpression: aws.String("#id = :id AND #n = :expected AND #u = :false"),
		ExpressionAttributeNames: map[string]string{
			"#n":  fieldAttemptCount,
			"#id": fieldCodeID,
			"#u":  fieldUsed,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":      &types.AttributeValueMemberN{Value: "1"},
			":expected": &types.AttributeValueMemberN{Value: strconv.Itoa(c.AttemptCount)},
			":id":       &types.AttributeValueMemberS{Value: c.ID},
			":false":    &types.AttributeValueMemberBOOL{Value: false},
		},
	})
	if isConditionFailed(err) {
		return domain.ErrStaleWrite
	}
	if err != nil {
		return fmt.Errorf("increment attempts: %w", err)
	}
	c.AttemptCount++
	return nil
}

// MarkUsed flips used once. A second caller gets domain.ErrStaleWrite.
func (r *CodeRepo) MarkUsed(ctx context.Context, c *domain.VerificationCode, at time.Time) error {
	ue, err := buildUpdateExpr(map[string]interface{}{
		fieldUsed:   true,
		fieldUsedAt: at,
	})
	if err != nil {
		return err
	}
	ue.Names["#id"] = fieldCodeID
	ue.Names["#u"] = fieldUsed
	ue.Values[":id"] = &types.AttributeValueMemberS{Value: c.ID}
	ue.Values[":false"] = &types.AttributeValueMemberBOOL{Value: false}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       r.key(c),
		UpdateExpression:          aws.String(ue.Expr),
		ConditionExpression:       aws.String("#id = :id AND #u = :false"),
		ExpressionAttributeNames:  ue.Names,
		ExpressionAttributeValues: ue.Values,
	})
	if isConditionFailed(err) {
		return domain.ErrStaleWrite
	}
	if err != nil {
		return fmt.Errorf("mark code used: %w", err)
	}
	c.Used, c.UsedAt = true, &at
	return nil
}

// Delete removes c unless a newer code has already replaced it.
func (r *CodeRepo) Delete(ctx context.Context, c *domain.VerificationCode) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       r.key(c),
		ConditionExpression:       aws.String("#id = :id"),
		ExpressionAttributeNames:  map[string]string{"#id": fieldCodeID},
		ExpressionAttributeValues: map[string]types.AttributeValue{":id": &types.AttributeValueMemberS{Value: c.ID}},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("delete verification code: %w", err)
	}
	return nil
}

func (r *CodeRepo) DeleteByIdentityID(ctx context.Context, identityID string) error {
	p := dynamodb.NewQueryPaginator(r.client, &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		KeyConditionExpression:    aws.String("#pk = :pk"),
		ProjectionExpression:      aws.String("#pk, #sk"),
		ExpressionAttributeNames:  map[string]string{"#pk": fieldIdentityID, "#sk": fieldPurpose},
		ExpressionAttributeValues: map[string]types.AttributeValue{":pk": &types.AttributeValueMemberS{Value: identityID}},
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("query codes of %s: %w", identityID, err)
		}
		for _, item := range page.Items {
			if err := r.deleteKey(ctx, item); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteExpiredBefore removes codes whose expiry passed before cutoff and
// returns how many were removed. It backs up the lazy TTL sweep.
func (r *CodeRepo) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	p := dynamodb.NewScanPaginator(r.client, &dynamodb.ScanInput{
		TableName:                aws.String(r.tableName),
		FilterExpression:         aws.String("#e < :cutoff"),
		ProjectionExpression:     aws.String("#pk, #sk"),
		ExpressionAttributeNames: map[string]string{"#e": fieldExpiresAt, "#pk": fieldIdentityID, "#sk": fieldPurpose},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cutoff": &types.AttributeValueMemberN{Value: strconv.FormatInt(cutoff.Unix(), 10)},
		},
	})
	n := 0
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return n, fmt.Errorf("scan expired codes: %w", err)
		}
		for _, item := range page.Items {
			if err := r.deleteKey(ctx, item); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (r *CodeRepo) deleteKey(ctx context.Context, key map[string]types.AttributeValue) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       key,
	})
	if err != nil {
		return fmt.Errorf("delete verification code: %w", err)
	}
	return nil
}
