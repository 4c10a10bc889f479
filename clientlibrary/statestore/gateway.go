// Package statestore is the thin semantic wrapper over the external
// key/value store that holds per-shard ownership and progress (spec
// §4.2). The only concrete backend is DynamoDB, via aws-sdk-go-v2;
// callers that want a different store implement the same Gateway
// interface.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	shtypes "github.com/shardkit/shardkit/clientlibrary/types"
)

// Gateway is the state-store capability set from spec §4.2.
type Gateway interface {
	// EnsureTable is idempotent and blocks until the table is active.
	EnsureTable(ctx context.Context, appName string, readCap, writeCap int64, suffix string) (shtypes.TableName, error)
	// CreateShardRow is conditional on row-does-not-exist OR a stale
	// heartbeat; on success the caller becomes owner.
	CreateShardRow(ctx context.Context, table shtypes.TableName, worker shtypes.WorkerId, shard shtypes.ShardId, heartbeatTimeout time.Duration) error
	ReadShardStatus(ctx context.Context, table shtypes.TableName, shard shtypes.ShardId, caller shtypes.WorkerId, heartbeatTimeout time.Duration, now time.Time) (shtypes.ShardStatus, error)
	UpdateHeartbeat(ctx context.Context, table shtypes.TableName, worker shtypes.WorkerId, shard shtypes.ShardId, now time.Time) error
	UpdateCheckpoint(ctx context.Context, table shtypes.TableName, worker shtypes.WorkerId, shard shtypes.ShardId, seq shtypes.SequenceNumber, now time.Time) error
}

// row is the persisted projection described in spec §6.
type row struct {
	ShardId        string  `dynamodbav:"ShardId"`
	WorkerId       string  `dynamodbav:"WorkerId"`
	LastHeartbeat  string  `dynamodbav:"LastHeartbeat"`
	LastCheckpoint *string `dynamodbav:"LastCheckpoint,omitempty"`
}

// ErrRowNotFound means the shard row doesn't exist yet; the caller must
// create it.
var ErrRowNotFound = errors.New("shardkit: shard row not found")

// dynamoAPI is the subset of *dynamodb.Client the gateway calls.
type dynamoAPI interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoGateway implements Gateway against AWS DynamoDB.
type DynamoGateway struct {
	client     dynamoAPI
	maxRetries int
	logger     zerolog.Logger
}

func NewDynamoGateway(client *dynamodb.Client, maxRetries int, logger zerolog.Logger) *DynamoGateway {
	return &DynamoGateway{client: client, maxRetries: maxRetries, logger: logger}
}

// retry retries fn with exponential backoff while its error classifies as
// transient. A conditional-check failure is permanent and surfaces as the
// bare shtypes.ErrConditionalCheckFailed sentinel; a transient error that
// survives the whole retry budget is wrapped in shtypes.TransientError so
// callers can distinguish "retried and still failed" from any other
// permanent rejection.
func (g *DynamoGateway) retry(ctx context.Context, op string, fn func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(g.maxRetries)), ctx)
	attempt := 0
	var exhaustedTransient bool
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			exhaustedTransient = false
			return nil
		}
		var conditionalErr *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &conditionalErr) {
			exhaustedTransient = false
			return backoff.Permanent(shtypes.ErrConditionalCheckFailed)
		}
		if isTransient(err) {
			exhaustedTransient = true
			g.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("retrying transient state-store error")
			return err
		}
		exhaustedTransient = false
		return backoff.Permanent(err)
	}, policy)
	if err != nil && exhaustedTransient {
		return &shtypes.TransientError{Cause: err}
	}
	return err
}

func isTransient(err error) bool {
	var throughputErr *ddbtypes.ProvisionedThroughputExceededException
	var limitErr *ddbtypes.LimitExceededException
	var internalErr *ddbtypes.InternalServerError
	return errors.As(err, &throughputErr) || errors.As(err, &limitErr) || errors.As(err, &internalErr)
}

// EnsureTable creates the application's state table if absent and blocks
// until it is ACTIVE. Idempotent: an already-existing table (or a
// concurrent creator) is not an error.
func (g *DynamoGateway) EnsureTable(ctx context.Context, appName string, readCap, writeCap int64, suffix string) (shtypes.TableName, error) {
	name := appName + suffix

	err := g.retry(ctx, "CreateTable", func() error {
		_, err := g.client.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName: aws.String(name),
			AttributeDefinitions: []ddbtypes.AttributeDefinition{
				{AttributeName: aws.String("ShardId"), AttributeType: ddbtypes.ScalarAttributeTypeS},
			},
			KeySchema: []ddbtypes.KeySchemaElement{
				{AttributeName: aws.String("ShardId"), KeyType: ddbtypes.KeyTypeHash},
			},
			ProvisionedThroughput: &ddbtypes.ProvisionedThroughput{
				ReadCapacityUnits:  aws.Int64(readCap),
				WriteCapacityUnits: aws.Int64(writeCap),
			},
		})
		var inUse *ddbtypes.ResourceInUseException
		if errors.As(err, &inUse) {
			return nil
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("shardkit: creating state table %s: %w", name, err)
	}

	for {
		var desc *dynamodb.DescribeTableOutput
		err := g.retry(ctx, "DescribeTable", func() error {
			var apiErr error
			desc, apiErr = g.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
			return apiErr
		})
		if err != nil {
			return "", fmt.Errorf("shardkit: describing state table %s: %w", name, err)
		}
		if desc.Table.TableStatus == ddbtypes.TableStatusActive {
			return shtypes.TableName(name), nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// CreateShardRow claims a shard row. Condition: the row doesn't exist, or
// its heartbeat is older than heartbeatTimeout (a prior owner died).
func (g *DynamoGateway) CreateShardRow(ctx context.Context, table shtypes.TableName, worker shtypes.WorkerId, shard shtypes.ShardId, heartbeatTimeout time.Duration) error {
	now := time.Now().UTC()
	item, err := attributevalue.MarshalMap(row{
		ShardId:       string(shard),
		WorkerId:      string(worker),
		LastHeartbeat: now.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("shardkit: marshaling shard row: %w", err)
	}

	staleCutoff := now.Add(-heartbeatTimeout).Format(time.RFC3339)
	return g.retry(ctx, "CreateShardRow", func() error {
		_, err := g.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 aws.String(string(table)),
			Item:                      item,
			ConditionExpression:       aws.String("attribute_not_exists(ShardId) OR LastHeartbeat < :staleCutoff"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{":staleCutoff": &ddbtypes.AttributeValueMemberS{Value: staleCutoff}},
		})
		return err
	})
}

// ReadShardStatus classifies the row per spec §4.2's rule: missing rows
// surface ErrRowNotFound, fresh heartbeats read as Processing, stale ones
// as NotProcessing, and a Processing row with no checkpoint owned by the
// caller reads as New.
func (g *DynamoGateway) ReadShardStatus(ctx context.Context, table shtypes.TableName, shard shtypes.ShardId, caller shtypes.WorkerId, heartbeatTimeout time.Duration, now time.Time) (shtypes.ShardStatus, error) {
	var resp *dynamodb.GetItemOutput
	err := g.retry(ctx, "GetItem", func() error {
		var apiErr error
		resp, apiErr = g.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(string(table)),
			Key:            map[string]ddbtypes.AttributeValue{"ShardId": &ddbtypes.AttributeValueMemberS{Value: string(shard)}},
			ConsistentRead: aws.Bool(true),
		})
		return apiErr
	})
	if err != nil {
		return shtypes.ShardStatus{}, fmt.Errorf("shardkit: reading shard row %s: %w", shard, err)
	}
	if len(resp.Item) == 0 {
		return shtypes.ShardStatus{}, ErrRowNotFound
	}

	var r row
	if err := attributevalue.UnmarshalMap(resp.Item, &r); err != nil {
		return shtypes.ShardStatus{}, fmt.Errorf("shardkit: unmarshaling shard row %s: %w", shard, err)
	}

	heartbeatAt, err := time.Parse(time.RFC3339, r.LastHeartbeat)
	if err != nil {
		return shtypes.ShardStatus{}, fmt.Errorf("shardkit: parsing LastHeartbeat for %s: %w", shard, err)
	}

	var lastSeq shtypes.SequenceNumber
	if r.LastCheckpoint != nil {
		lastSeq = shtypes.SequenceNumber(*r.LastCheckpoint)
	}

	fresh := now.Sub(heartbeatAt) <= heartbeatTimeout
	owner := shtypes.WorkerId(r.WorkerId)

	if fresh {
		if owner == caller && lastSeq.Empty() {
			return shtypes.ShardStatus{Kind: shtypes.StatusNew, WorkerId: owner, CreatedAt: heartbeatAt}, nil
		}
		return shtypes.ShardStatus{Kind: shtypes.StatusProcessing, WorkerId: owner, LastSeq: lastSeq}, nil
	}
	return shtypes.ShardStatus{Kind: shtypes.StatusNotProcessing, WorkerId: owner, LastHeartbeat: heartbeatAt, LastSeq: lastSeq}, nil
}

// UpdateHeartbeat refreshes the timestamp, conditional on current
// ownership.
func (g *DynamoGateway) UpdateHeartbeat(ctx context.Context, table shtypes.TableName, worker shtypes.WorkerId, shard shtypes.ShardId, now time.Time) error {
	return g.retry(ctx, "UpdateHeartbeat", func() error {
		_, err := g.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(string(table)),
			Key:                 map[string]ddbtypes.AttributeValue{"ShardId": &ddbtypes.AttributeValueMemberS{Value: string(shard)}},
			UpdateExpression:    aws.String("SET LastHeartbeat = :now"),
			ConditionExpression: aws.String("WorkerId = :worker"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":now":    &ddbtypes.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)},
				":worker": &ddbtypes.AttributeValueMemberS{Value: string(worker)},
			},
		})
		return err
	})
}

// UpdateCheckpoint advances the checkpoint and refreshes the heartbeat in
// the same conditional write, conditional on current ownership.
func (g *DynamoGateway) UpdateCheckpoint(ctx context.Context, table shtypes.TableName, worker shtypes.WorkerId, shard shtypes.ShardId, seq shtypes.SequenceNumber, now time.Time) error {
	return g.retry(ctx, "UpdateCheckpoint", func() error {
		_, err := g.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(string(table)),
			Key:                 map[string]ddbtypes.AttributeValue{"ShardId": &ddbtypes.AttributeValueMemberS{Value: string(shard)}},
			UpdateExpression:    aws.String("SET LastCheckpoint = :seq, LastHeartbeat = :now"),
			ConditionExpression: aws.String("WorkerId = :worker"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":seq":    &ddbtypes.AttributeValueMemberS{Value: string(seq)},
				":now":    &ddbtypes.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)},
				":worker": &ddbtypes.AttributeValueMemberS{Value: string(worker)},
			},
		})
		return err
	})
}
