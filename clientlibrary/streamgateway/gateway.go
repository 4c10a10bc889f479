// Package streamgateway is the thin semantic wrapper over the upstream
// stream service (spec §4.1): list shards, position an iterator, and pull
// batches of records. The only concrete backend is Kinesis, via
// aws-sdk-go-v2; callers that want a different stream service implement
// the same Gateway interface.
package streamgateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	shtypes "github.com/shardkit/shardkit/clientlibrary/types"
)

// Gateway is the stream-gateway capability set from spec §4.1.
type Gateway interface {
	// ListShards never retries on the caller; it is retried internally up
	// to MaxStreamRetries with exponential backoff.
	ListShards(ctx context.Context, stream shtypes.StreamName) ([]shtypes.ShardId, error)
	GetIterator(ctx context.Context, stream shtypes.StreamName, shard shtypes.ShardId, pos shtypes.IteratorPosition) (string, error)
	GetRecords(ctx context.Context, token string) (shtypes.Batch, error)
}

// kinesisAPI is the subset of *kinesis.Client the gateway calls, narrowed
// so tests can supply a mock in the teacher's own testify-mock style.
type kinesisAPI interface {
	ListShards(ctx context.Context, params *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error)
	GetShardIterator(ctx context.Context, params *kinesis.GetShardIteratorInput, optFns ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, params *kinesis.GetRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error)
}

// KinesisGateway implements Gateway against AWS Kinesis.
type KinesisGateway struct {
	client     kinesisAPI
	maxRetries int
	logger     zerolog.Logger
}

// NewKinesisGateway builds a Gateway backed by the given Kinesis client.
func NewKinesisGateway(client *kinesis.Client, maxRetries int, logger zerolog.Logger) *KinesisGateway {
	return &KinesisGateway{client: client, maxRetries: maxRetries, logger: logger}
}

// retry retries fn with exponential backoff while its error classifies as
// transient. If the retry budget is exhausted on a transient error, the
// final error is wrapped in shtypes.TransientError so callers (and their
// callers) can tell "this was retried and still failed" from a permanent
// rejection; a permanent error is returned as-is.
func (g *KinesisGateway) retry(ctx context.Context, op string, fn func() error) error {
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
		if isTransient(err) {
			exhaustedTransient = true
			g.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("retrying transient stream-gateway error")
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
	var throughputErr *types.ProvisionedThroughputExceededException
	var limitErr *types.LimitExceededException
	var kmsErr *types.KMSThrottlingException
	return errors.As(err, &throughputErr) || errors.As(err, &limitErr) || errors.As(err, &kmsErr)
}

// ListShards returns the ordered set of shard IDs currently known for the
// stream, retrying transient AWS errors internally.
func (g *KinesisGateway) ListShards(ctx context.Context, stream shtypes.StreamName) ([]shtypes.ShardId, error) {
	var out []shtypes.ShardId
	var nextToken *string
	for {
		var resp *kinesis.ListShardsOutput
		err := g.retry(ctx, "ListShards", func() error {
			input := &kinesis.ListShardsInput{NextToken: nextToken}
			if nextToken == nil {
				input.StreamName = aws.String(string(stream))
			}
			var apiErr error
			resp, apiErr = g.client.ListShards(ctx, input)
			return apiErr
		})
		if err != nil {
			return nil, fmt.Errorf("shardkit: ListShards(%s): %w", stream, err)
		}
		for _, s := range resp.Shards {
			out = append(out, shtypes.ShardId(aws.ToString(s.ShardId)))
		}
		if resp.NextToken == nil {
			break
		}
		nextToken = resp.NextToken
	}
	return out, nil
}

// GetIterator positions a shard iterator per the IteratorPosition variant
// and returns the opaque token the next GetRecords call consumes.
func (g *KinesisGateway) GetIterator(ctx context.Context, stream shtypes.StreamName, shard shtypes.ShardId, pos shtypes.IteratorPosition) (string, error) {
	input := &kinesis.GetShardIteratorInput{
		StreamName: aws.String(string(stream)),
		ShardId:    aws.String(string(shard)),
	}
	switch pos.Kind {
	case shtypes.TrimHorizon:
		input.ShardIteratorType = types.ShardIteratorTypeTrimHorizon
	case shtypes.AtSequenceNumber:
		input.ShardIteratorType = types.ShardIteratorTypeAtSequenceNumber
		input.StartingSequenceNumber = aws.String(string(pos.SequenceNumber))
	case shtypes.AfterSequenceNumber:
		input.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
		input.StartingSequenceNumber = aws.String(string(pos.SequenceNumber))
	case shtypes.ContinuationToken:
		// Kinesis has no native "resume from opaque token" iterator type;
		// callers holding a ContinuationToken already have a live
		// shard-iterator token and should pass it straight to GetRecords
		// instead of calling GetIterator again.
		return pos.Token, nil
	default:
		return "", fmt.Errorf("shardkit: unknown iterator position kind %d", pos.Kind)
	}

	var resp *kinesis.GetShardIteratorOutput
	err := g.retry(ctx, "GetShardIterator", func() error {
		var apiErr error
		resp, apiErr = g.client.GetShardIterator(ctx, input)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("shardkit: GetShardIterator(%s/%s): %w", stream, shard, err)
	}
	return aws.ToString(resp.ShardIterator), nil
}

// GetRecords fetches the next batch for a previously obtained iterator
// token. The returned Batch.NextToken is the only legal continuation; an
// empty NextToken means the shard is closed.
func (g *KinesisGateway) GetRecords(ctx context.Context, token string) (shtypes.Batch, error) {
	var resp *kinesis.GetRecordsOutput
	err := g.retry(ctx, "GetRecords", func() error {
		var apiErr error
		resp, apiErr = g.client.GetRecords(ctx, &kinesis.GetRecordsInput{ShardIterator: aws.String(token)})
		return apiErr
	})
	if err != nil {
		return shtypes.Batch{}, fmt.Errorf("shardkit: GetRecords: %w", err)
	}

	records := make([]shtypes.Record, 0, len(resp.Records))
	for _, r := range resp.Records {
		records = append(records, shtypes.Record{
			PartitionKey:   aws.ToString(r.PartitionKey),
			SequenceNumber: shtypes.SequenceNumber(aws.ToString(r.SequenceNumber)),
			Data:           r.Data,
		})
	}
	return shtypes.Batch{
		Records:   records,
		NextToken: aws.ToString(resp.NextShardIterator),
	}, nil
}
