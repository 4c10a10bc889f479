package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	shtypes "github.com/shardkit/shardkit/clientlibrary/types"
)

type mockDynamoAPI struct {
	mock.Mock
}

func (m *mockDynamoAPI) CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	ret := m.Called(ctx, params, optFns)
	out, _ := ret.Get(0).(*dynamodb.CreateTableOutput)
	return out, ret.Error(1)
}

func (m *mockDynamoAPI) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	ret := m.Called(ctx, params, optFns)
	out, _ := ret.Get(0).(*dynamodb.DescribeTableOutput)
	return out, ret.Error(1)
}

func (m *mockDynamoAPI) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	ret := m.Called(ctx, params, optFns)
	out, _ := ret.Get(0).(*dynamodb.GetItemOutput)
	return out, ret.Error(1)
}

func (m *mockDynamoAPI) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	ret := m.Called(ctx, params, optFns)
	out, _ := ret.Get(0).(*dynamodb.PutItemOutput)
	return out, ret.Error(1)
}

func (m *mockDynamoAPI) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	ret := m.Called(ctx, params, optFns)
	out, _ := ret.Get(0).(*dynamodb.UpdateItemOutput)
	return out, ret.Error(1)
}

func newTestDynamoGateway(m dynamoAPI) *DynamoGateway {
	return &DynamoGateway{client: m, maxRetries: 3, logger: zerolog.Nop()}
}

func TestEnsureTableWaitsForActive(t *testing.T) {
	m := &mockDynamoAPI{}
	m.On("CreateTable", mock.Anything, mock.Anything, mock.Anything).Return(&dynamodb.CreateTableOutput{}, nil)
	m.On("DescribeTable", mock.Anything, mock.Anything, mock.Anything).Return(&dynamodb.DescribeTableOutput{
		Table: &ddbtypes.TableDescription{TableStatus: ddbtypes.TableStatusActive},
	}, nil)

	g := newTestDynamoGateway(m)
	name, err := g.EnsureTable(context.Background(), "myapp", 10, 10, "KinesisState")
	require.NoError(t, err)
	assert.Equal(t, shtypes.TableName("myappKinesisState"), name)
}

func TestEnsureTableIdempotentOnResourceInUse(t *testing.T) {
	m := &mockDynamoAPI{}
	m.On("CreateTable", mock.Anything, mock.Anything, mock.Anything).Return(
		(*dynamodb.CreateTableOutput)(nil), &ddbtypes.ResourceInUseException{Message: aws.String("exists")},
	)
	m.On("DescribeTable", mock.Anything, mock.Anything, mock.Anything).Return(&dynamodb.DescribeTableOutput{
		Table: &ddbtypes.TableDescription{TableStatus: ddbtypes.TableStatusActive},
	}, nil)

	g := newTestDynamoGateway(m)
	_, err := g.EnsureTable(context.Background(), "myapp", 10, 10, "KinesisState")
	require.NoError(t, err)
}

func TestUpdateHeartbeatSurfacesConditionalCheckFailed(t *testing.T) {
	m := &mockDynamoAPI{}
	m.On("UpdateItem", mock.Anything, mock.Anything, mock.Anything).Return(
		(*dynamodb.UpdateItemOutput)(nil), &ddbtypes.ConditionalCheckFailedException{Message: aws.String("not owner")},
	)

	g := newTestDynamoGateway(m)
	err := g.UpdateHeartbeat(context.Background(), "table", "worker-1", "shard-0", time.Now())
	assert.ErrorIs(t, err, shtypes.ErrConditionalCheckFailed)
}

func TestFakeGatewayOwnershipRules(t *testing.T) {
	f := NewFake()
	now := time.Now().UTC()

	require.NoError(t, f.CreateShardRow(context.Background(), "t", "worker-1", "shard-0", time.Minute))

	status, err := f.ReadShardStatus(context.Background(), "t", "shard-0", "worker-1", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, shtypes.StatusNew, status.Kind)

	require.NoError(t, f.UpdateCheckpoint(context.Background(), "t", "worker-1", "shard-0", "5", now))

	// A second worker cannot claim a freshly-heartbeating row.
	err = f.CreateShardRow(context.Background(), "t", "worker-2", "shard-0", time.Minute)
	assert.ErrorIs(t, err, shtypes.ErrConditionalCheckFailed)

	// Checkpoint monotonicity record.
	require.NoError(t, f.UpdateCheckpoint(context.Background(), "t", "worker-1", "shard-0", "6", now))
	assert.Equal(t, []shtypes.SequenceNumber{"5", "6"}, f.Checkpoints["shard-0"])
}

func TestFakeGatewayStaleTakeover(t *testing.T) {
	f := NewFake()
	f.SeedRow("shard-0", "worker-1", time.Now().Add(-time.Hour), "7")

	status, err := f.ReadShardStatus(context.Background(), "t", "shard-0", "worker-2", time.Minute, time.Now())
	require.NoError(t, err)
	assert.Equal(t, shtypes.StatusNotProcessing, status.Kind)
	assert.Equal(t, shtypes.SequenceNumber("7"), status.LastSeq)

	require.NoError(t, f.CreateShardRow(context.Background(), "t", "worker-2", "shard-0", time.Minute))
}
