package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/posturelab/posture-pipeline/internal/aggregate"
)

// DynamoDB key constants for the single-table design. Each session is one
// item: PK groups an owner's sessions, SK identifies the session.
const (
	ownerPKPrefix   = "USER#"
	sessionSKPrefix = "SESSION#"
)

// compressThreshold is the payload size above which the received-view
// payload is zstd-compressed. Keypoint arrays for image sessions routinely
// cross this.
const compressThreshold = 4 * 1024

// Payload encodings stored alongside the blob.
const (
	encodingJSON = "json"
	encodingZstd = "zstd"
)

// DynamoStore implements Store using AWS DynamoDB.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// Compile-time interface check.
var _ Store = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table. The client
// should be initialized from the shared AWS config.
func NewDynamoStore(client *dynamodb.Client, tableName string) (*DynamoStore, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		enc:       enc,
		dec:       dec,
	}, nil
}

// sessionItem is the DynamoDB shape of a Session. The result-bearing fields
// (received views and combined result) travel as one JSON payload so they
// can be compressed as a unit; everything else stays queryable attributes.
type sessionItem struct {
	ModelName       string         `dynamodbav:"modelName"`
	ExpectedViews   []string       `dynamodbav:"expectedViews"`
	ViewAttempts    map[string]int `dynamodbav:"viewAttempts,omitempty"`
	Status          string         `dynamodbav:"status"`
	Progress        int            `dynamodbav:"progress"`
	Feedback        string         `dynamodbav:"feedback,omitempty"`
	Error           string         `dynamodbav:"error,omitempty"`
	CreatedAt       time.Time      `dynamodbav:"createdAt"`
	UpdatedAt       time.Time      `dynamodbav:"updatedAt"`
	Payload         []byte         `dynamodbav:"payload,omitempty"`
	PayloadEncoding string         `dynamodbav:"payloadEncoding,omitempty"`
}

// sessionPayload is the compressible slice of a session.
type sessionPayload struct {
	ReceivedViews  map[string]ViewRecord     `json:"receivedViews,omitempty"`
	CombinedResult *aggregate.CombinedResult `json:"combinedResult,omitempty"`
}

func ownerPK(ownerID string) string {
	return ownerPKPrefix + ownerID
}

func sessionSK(sessionID string) string {
	return sessionSKPrefix + sessionID
}

func (d *DynamoStore) GetOrCreate(ctx context.Context, ownerID, sessionID, modelName string, expectedViews []string) (*Session, bool, error) {
	existing, err := d.Get(ctx, ownerID, sessionID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	s := New(ownerID, sessionID, modelName, expectedViews)
	if err := d.Save(ctx, s); err != nil {
		return nil, false, err
	}
	return s, true, nil
}

func (d *DynamoStore) Get(ctx context.Context, ownerID, sessionID string) (*Session, error) {
	pk, sk := ownerPK(ownerID), sessionSK(sessionID)

	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &d.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("GetItem PK=%s SK=%s: %w", pk, sk, err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var item sessionItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal PK=%s SK=%s: %w", pk, sk, err)
	}
	return d.fromItem(ownerID, sessionID, &item)
}

func (d *DynamoStore) Save(ctx context.Context, s *Session) error {
	item, err := d.toItem(s)
	if err != nil {
		return err
	}

	attrs, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal session %s/%s: %w", s.OwnerID, s.SessionID, err)
	}
	attrs["PK"] = &types.AttributeValueMemberS{Value: ownerPK(s.OwnerID)}
	attrs["SK"] = &types.AttributeValueMemberS{Value: sessionSK(s.SessionID)}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &d.tableName,
		Item:      attrs,
	})
	if err != nil {
		return fmt.Errorf("PutItem session %s/%s: %w", s.OwnerID, s.SessionID, err)
	}
	return nil
}

func (d *DynamoStore) Delete(ctx context.Context, ownerID, sessionID string) error {
	pk, sk := ownerPK(ownerID), sessionSK(sessionID)
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &d.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return fmt.Errorf("DeleteItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// toItem packs the session, compressing the result payload once it grows
// past the threshold.
func (d *DynamoStore) toItem(s *Session) (*sessionItem, error) {
	item := &sessionItem{
		ModelName:     s.ModelName,
		ExpectedViews: s.ExpectedViews,
		ViewAttempts:  s.ViewAttempts,
		Status:        string(s.Status),
		Progress:      s.Progress,
		Feedback:      s.Feedback,
		Error:         s.Error,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}

	if len(s.ReceivedViews) > 0 || s.CombinedResult != nil {
		raw, err := json.Marshal(sessionPayload{
			ReceivedViews:  s.ReceivedViews,
			CombinedResult: s.CombinedResult,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal payload %s/%s: %w", s.OwnerID, s.SessionID, err)
		}
		if len(raw) > compressThreshold {
			item.Payload = d.enc.EncodeAll(raw, nil)
			item.PayloadEncoding = encodingZstd
			log.Debug().
				Str("session", s.SessionID).
				Int("rawBytes", len(raw)).
				Int("storedBytes", len(item.Payload)).
				Msg("Session payload compressed")
		} else {
			item.Payload = raw
			item.PayloadEncoding = encodingJSON
		}
	}

	return item, nil
}

func (d *DynamoStore) fromItem(ownerID, sessionID string, item *sessionItem) (*Session, error) {
	s := &Session{
		OwnerID:       ownerID,
		SessionID:     sessionID,
		ModelName:     item.ModelName,
		ExpectedViews: item.ExpectedViews,
		ViewAttempts:  item.ViewAttempts,
		Status:        Status(item.Status),
		Progress:      item.Progress,
		Feedback:      item.Feedback,
		Error:         item.Error,
		CreatedAt:     item.CreatedAt,
		UpdatedAt:     item.UpdatedAt,
		ReceivedViews: make(map[string]ViewRecord),
	}
	if s.ViewAttempts == nil {
		s.ViewAttempts = make(map[string]int)
	}

	if len(item.Payload) > 0 {
		raw := item.Payload
		if item.PayloadEncoding == encodingZstd {
			var err error
			raw, err = d.dec.DecodeAll(item.Payload, nil)
			if err != nil {
				return nil, fmt.Errorf("decompress payload %s/%s: %w", ownerID, sessionID, err)
			}
		}
		var payload sessionPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload %s/%s: %w", ownerID, sessionID, err)
		}
		if payload.ReceivedViews != nil {
			s.ReceivedViews = payload.ReceivedViews
		}
		s.CombinedResult = payload.CombinedResult
	}

	return s, nil
}

func boolPtr(b bool) *bool { return &b }
