package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marees-france/mareesd/internal/models"
)

// fakeClock implements a mock time source for testing
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.now = f.now.Add(d)
}

type mockDynamoDBClient struct {
	getItemFunc func(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	putItemFunc func(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

func (m *mockDynamoDBClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.getItemFunc != nil {
		return m.getItemFunc(ctx, params, optFns...)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockDynamoDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.putItemFunc != nil {
		return m.putItemFunc(ctx, params, optFns...)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func TestDynamoDocumentStoreLoad_MissingItem(t *testing.T) {
	t.Parallel()

	client := &mockDynamoDBClient{
		getItemFunc: func(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: nil}, nil
		},
	}
	store := NewDynamoDocumentStore(client, DatasetTides)

	doc, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestDynamoDocumentStoreLoad_ValidRecord(t *testing.T) {
	t.Parallel()

	record := documentRecord{
		Dataset:     DatasetTides,
		Version:     documentVersion,
		Document:    `{"PORNICHET":{"2025-05-11":[["tide.high","10:15","5.30","80"]]}}`,
		LastUpdated: 1746950400,
	}
	item, err := attributevalue.MarshalMap(record)
	require.NoError(t, err)

	client := &mockDynamoDBClient{
		getItemFunc: func(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: item}, nil
		},
	}
	store := NewDynamoDocumentStore(client, DatasetTides)

	doc, err := store.Load(context.Background())
	require.NoError(t, err)

	dates, err := doc.HarborDates("PORNICHET")
	require.NoError(t, err)
	assert.Contains(t, dates, "2025-05-11")
}

func TestDynamoDocumentStoreLoad_UnknownVersion(t *testing.T) {
	t.Parallel()

	record := documentRecord{
		Dataset:  DatasetTides,
		Version:  documentVersion + 1,
		Document: `{"PORNICHET":{}}`,
	}
	item, err := attributevalue.MarshalMap(record)
	require.NoError(t, err)

	client := &mockDynamoDBClient{
		getItemFunc: func(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: item}, nil
		},
	}
	store := NewDynamoDocumentStore(client, DatasetTides)

	doc, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestDynamoDocumentStoreLoad_ClientError(t *testing.T) {
	t.Parallel()

	client := &mockDynamoDBClient{
		getItemFunc: func(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return nil, fmt.Errorf("throttled")
		},
	}
	store := NewDynamoDocumentStore(client, DatasetCoefficients)

	_, err := store.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "coefficients")
}

func TestDynamoDocumentStoreSave(t *testing.T) {
	t.Parallel()

	var saved map[string]interface{}
	client := &mockDynamoDBClient{
		putItemFunc: func(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			var record documentRecord
			if err := attributevalue.UnmarshalMap(params.Item, &record); err != nil {
				return nil, err
			}
			saved = map[string]interface{}{
				"dataset":     record.Dataset,
				"version":     record.Version,
				"document":    record.Document,
				"lastUpdated": record.LastUpdated,
			}
			return &dynamodb.PutItemOutput{}, nil
		},
	}
	store := NewDynamoDocumentStore(client, DatasetWaterLevels)
	store.clock = &fakeClock{now: time.Unix(1746950400, 0)}

	doc := models.Document{}
	require.NoError(t, doc.SetDate("PORNICHET", "2025-05-11", json.RawMessage(`[["08:55","3.52"]]`)))
	require.NoError(t, store.Save(context.Background(), doc))

	require.NotNil(t, saved)
	assert.Equal(t, DatasetWaterLevels, saved["dataset"])
	assert.Equal(t, documentVersion, saved["version"])
	assert.Equal(t, int64(1746950400), saved["lastUpdated"])
	assert.JSONEq(t, `{"PORNICHET":{"2025-05-11":[["08:55","3.52"]]}}`, saved["document"].(string))
}

func TestMemoryDocumentStoreIsolation(t *testing.T) {
	t.Parallel()

	store := NewMemoryDocumentStore()
	ctx := context.Background()

	doc := models.Document{}
	require.NoError(t, doc.SetDate("PORNICHET", "2025-05-11", json.RawMessage(`["80"]`)))
	require.NoError(t, store.Save(ctx, doc))

	// Mutating the saved document must not leak into the store.
	doc.DeleteHarbor("PORNICHET")

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Contains(t, loaded, "PORNICHET")

	// Nor must mutating a loaded copy.
	loaded.DeleteHarbor("PORNICHET")
	reloaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Contains(t, reloaded, "PORNICHET")
}
