package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/keyloom/keyloom/internal/models"
	"github.com/sirupsen/logrus"
)

type AuditRepository struct {
	client    *dynamodb.Client
	tableName string
	logger    *logrus.Logger
}

func NewAuditRepository(client *dynamodb.Client, tableName string, logger *logrus.Logger) *AuditRepository {
	return &AuditRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

type auditItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	SubjectID  string `dynamodbav:"SubjectID"`
	ActionType string `dynamodbav:"ActionType"`
	TokenHash  string `dynamodbav:"TokenHash"`
	CreatedAt  string `dynamodbav:"CreatedAt"`
}

func auditPK(subjectID string) string {
	return fmt.Sprintf("AUDIT#%s", subjectID)
}

// Append writes one audit row. The sort key embeds the creation time and a
// random suffix so rows are never overwritten.
func (r *AuditRepository) Append(ctx context.Context, entry models.AuditEntry) error {
	createdAt := entry.CreatedAt.UTC().Format(time.RFC3339Nano)

	item, err := attributevalue.MarshalMap(auditItem{
		PK:         auditPK(entry.SubjectID),
		SK:         fmt.Sprintf("ENTRY#%s#%s", createdAt, uuid.New().String()),
		SubjectID:  entry.SubjectID,
		ActionType: entry.ActionType,
		TokenHash:  entry.TokenHash,
		CreatedAt:  createdAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})

	if err != nil {
		r.logger.WithError(err).Error("Failed to append audit entry")
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	return nil
}

// History returns the most recent audit rows for a subject, newest first.
func (r *AuditRepository) History(ctx context.Context, subjectID string, limit int32) ([]models.AuditEntry, error) {
	result, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: auditPK(subjectID)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(limit),
	})

	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}

	var items []auditItem
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal audit entries: %w", err)
	}

	entries := make([]models.AuditEntry, 0, len(items))
	for _, item := range items {
		createdAt, err := time.Parse(time.RFC3339Nano, item.CreatedAt)
		if err != nil {
			r.logger.WithError(err).WithField("sk", item.SK).Warn("Skipping audit entry with bad timestamp")
			continue
		}
		entries = append(entries, models.AuditEntry{
			SubjectID:  item.SubjectID,
			ActionType: item.ActionType,
			TokenHash:  item.TokenHash,
			CreatedAt:  createdAt,
		})
	}

	return entries, nil
}
