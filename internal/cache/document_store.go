package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"

	"github.com/marees-france/mareesd/internal/models"
)

const (
	tableName       = "marees-france-cache"
	documentVersion = 1
)

// Dataset names used as partition keys and log fields.
const (
	DatasetTides        = "tides"
	DatasetCoefficients = "coefficients"
	DatasetWaterLevels  = "water_levels"
)

// DocumentStore persists one dataset's cache document as a whole. There are
// no partial writes: callers load the full document, mutate it in memory and
// save it back, last writer wins.
type DocumentStore interface {
	Load(ctx context.Context) (models.Document, error)
	Save(ctx context.Context, doc models.Document) error
}

type documentRecord struct {
	Dataset     string `dynamodbav:"dataset"`
	Version     int    `dynamodbav:"version"`
	Document    string `dynamodbav:"document"`
	LastUpdated int64  `dynamodbav:"lastUpdated"`
}

// DynamoDocumentStore stores a dataset document as a single DynamoDB item.
type DynamoDocumentStore struct {
	client  DynamoDBClient
	dataset string
	clock   clock
}

func NewDynamoDocumentStore(client DynamoDBClient, dataset string) *DynamoDocumentStore {
	return &DynamoDocumentStore{
		client:  client,
		dataset: dataset,
		clock:   realClock{},
	}
}

// Load retrieves the full document. A missing item or an item written with
// an unknown version yields an empty document, never an error.
func (s *DynamoDocumentStore) Load(ctx context.Context) (models.Document, error) {
	input := &dynamodb.GetItemInput{
		TableName: aws.String(tableName),
		Key: map[string]types.AttributeValue{
			"dataset": &types.AttributeValueMemberS{Value: s.dataset},
		},
	}

	result, err := s.client.GetItem(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("getting %s document from DynamoDB: %w", s.dataset, err)
	}

	if result.Item == nil {
		return models.Document{}, nil
	}

	var record documentRecord
	if err := attributevalue.UnmarshalMap(result.Item, &record); err != nil {
		return nil, fmt.Errorf("unmarshaling %s document record: %w", s.dataset, err)
	}

	if record.Version != documentVersion {
		log.Warn().
			Str("dataset", s.dataset).
			Int("version", record.Version).
			Msg("Cached document has unknown version, starting empty")
		return models.Document{}, nil
	}

	var doc models.Document
	if err := json.Unmarshal([]byte(record.Document), &doc); err != nil {
		return nil, fmt.Errorf("decoding %s document: %w", s.dataset, err)
	}
	if doc == nil {
		doc = models.Document{}
	}
	return doc, nil
}

// Save writes the full document back, replacing whatever was stored.
func (s *DynamoDocumentStore) Save(ctx context.Context, doc models.Document) error {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s document: %w", s.dataset, err)
	}

	record := documentRecord{
		Dataset:     s.dataset,
		Version:     documentVersion,
		Document:    string(encoded),
		LastUpdated: s.clock.Now().Unix(),
	}

	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("marshaling %s document record: %w", s.dataset, err)
	}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("putting %s document in DynamoDB: %w", s.dataset, err)
	}

	log.Debug().
		Str("dataset", s.dataset).
		Int("harbors", len(doc)).
		Msg("Saved document to cache")
	return nil
}
