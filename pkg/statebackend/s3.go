package statebackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

// S3Backend stores state objects in S3 and coordinates through a DynamoDB
// table. One logical bucket serves many units, each addressed by its own
// object key under the configured prefix. Lock items and serial digests live
// in the DynamoDB table, keyed by the state object key, so the
// compare-and-swap survives S3's lack of conditional writes.
type S3Backend struct {
	s3Client  *s3.Client
	ddbClient *dynamodb.Client
	bucket    string
	prefix    string
	lockTable string
}

// NewS3Backend builds an S3 backend from the ambient AWS credential chain.
func NewS3Backend(ctx context.Context, cfg Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 backend requires a bucket")
	}
	if cfg.LockTable == "" {
		return nil, fmt.Errorf("s3 backend requires a lock table")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Backend{
		s3Client:  s3.NewFromConfig(awsCfg),
		ddbClient: dynamodb.NewFromConfig(awsCfg),
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		lockTable: cfg.LockTable,
	}, nil
}

func (b *S3Backend) stateKey(unitID string) string {
	return path.Join(b.prefix, unitID, "state.json")
}

func (b *S3Backend) lockKey(unitID string) string {
	return b.stateKey(unitID) + ".lock"
}

// AcquireLock writes a lock item with a conditional put. A losing writer
// fetches the current holder so the LockError names who has it.
func (b *S3Backend) AcquireLock(ctx context.Context, unitID, holder string) (*Lock, error) {
	info := LockInfo{
		ID:         uuid.New().String(),
		UnitID:     unitID,
		Holder:     holder,
		AcquiredAt: time.Now().UTC(),
	}

	_, err := b.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.lockTable),
		Item: map[string]ddbtypes.AttributeValue{
			"LockID":     &ddbtypes.AttributeValueMemberS{Value: b.lockKey(unitID)},
			"LockToken":  &ddbtypes.AttributeValueMemberS{Value: info.ID},
			"Holder":     &ddbtypes.AttributeValueMemberS{Value: info.Holder},
			"AcquiredAt": &ddbtypes.AttributeValueMemberS{Value: info.AcquiredAt.Format(time.RFC3339Nano)},
			"UnitID":     &ddbtypes.AttributeValueMemberS{Value: unitID},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ConditionalCheckFailedException" {
			existing, lookupErr := b.currentHolder(ctx, unitID)
			if lookupErr != nil {
				return nil, fmt.Errorf("lock for unit %s is held, holder lookup failed: %w", unitID, lookupErr)
			}
			return nil, &LockError{UnitID: unitID, Holder: existing}
		}
		return nil, fmt.Errorf("failed to acquire lock for unit %s: %w", unitID, err)
	}

	return &Lock{Info: info}, nil
}

func (b *S3Backend) currentHolder(ctx context.Context, unitID string) (LockInfo, error) {
	out, err := b.ddbClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.lockTable),
		ConsistentRead: aws.Bool(true),
		Key: map[string]ddbtypes.AttributeValue{
			"LockID": &ddbtypes.AttributeValueMemberS{Value: b.lockKey(unitID)},
		},
	})
	if err != nil {
		return LockInfo{}, err
	}

	info := LockInfo{UnitID: unitID}
	if v, ok := out.Item["LockToken"].(*ddbtypes.AttributeValueMemberS); ok {
		info.ID = v.Value
	}
	if v, ok := out.Item["Holder"].(*ddbtypes.AttributeValueMemberS); ok {
		info.Holder = v.Value
	}
	if v, ok := out.Item["AcquiredAt"].(*ddbtypes.AttributeValueMemberS); ok {
		if t, parseErr := time.Parse(time.RFC3339Nano, v.Value); parseErr == nil {
			info.AcquiredAt = t
		}
	}
	return info, nil
}

// ReleaseLock deletes the lock item, conditioned on the lock token so a stale
// handle cannot release a lock taken over by someone else.
func (b *S3Backend) ReleaseLock(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return fmt.Errorf("nil lock")
	}

	_, err := b.ddbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.lockTable),
		Key: map[string]ddbtypes.AttributeValue{
			"LockID": &ddbtypes.AttributeValueMemberS{Value: b.lockKey(lock.Info.UnitID)},
		},
		ConditionExpression: aws.String("LockToken = :token"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":token": &ddbtypes.AttributeValueMemberS{Value: lock.Info.ID},
		},
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ConditionalCheckFailedException" {
			return fmt.Errorf("lock %s for unit %s not held", lock.Info.ID, lock.Info.UnitID)
		}
		return fmt.Errorf("failed to release lock for unit %s: %w", lock.Info.UnitID, err)
	}

	return nil
}

// ReadState fetches and decodes the unit's state object.
func (b *S3Backend) ReadState(ctx context.Context, unitID string) (*StateSnapshot, error) {
	out, err := b.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.stateKey(unitID)),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrStateNotFound
		}
		var ae smithy.APIError
		if errors.As(err, &ae) && (ae.ErrorCode() == "NoSuchKey" || ae.ErrorCode() == "NotFound") {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to read state for unit %s: %w", unitID, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read state body for unit %s: %w", unitID, err)
	}

	var snap StateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode state for unit %s: %w", unitID, err)
	}
	snap.UnitID = unitID

	return &snap, nil
}

// WriteState advances the serial digest in DynamoDB with a conditional
// update, then writes the state object. The digest is the authority: a
// writer that loses the conditional update never touches the object.
func (b *S3Backend) WriteState(ctx context.Context, snapshot *StateSnapshot) error {
	if snapshot == nil {
		return fmt.Errorf("nil snapshot")
	}
	if snapshot.Serial == 0 {
		return fmt.Errorf("snapshot serial must be at least 1")
	}

	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = time.Now().UTC()
	}

	serialKey := b.stateKey(snapshot.UnitID) + ".serial"
	expected := snapshot.Serial - 1

	input := &dynamodb.PutItemInput{
		TableName: aws.String(b.lockTable),
		Item: map[string]ddbtypes.AttributeValue{
			"LockID": &ddbtypes.AttributeValueMemberS{Value: serialKey},
			"Serial": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatUint(snapshot.Serial, 10)},
		},
	}
	if expected == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(LockID)")
	} else {
		input.ConditionExpression = aws.String("Serial = :expected")
		input.ExpressionAttributeValues = map[string]ddbtypes.AttributeValue{
			":expected": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatUint(expected, 10)},
		}
	}

	if _, err := b.ddbClient.PutItem(ctx, input); err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ConditionalCheckFailedException" {
			actual, lookupErr := b.currentSerial(ctx, serialKey)
			if lookupErr != nil {
				actual = 0
			}
			return &ConflictError{
				UnitID:         snapshot.UnitID,
				ExpectedSerial: expected,
				ActualSerial:   actual,
			}
		}
		return fmt.Errorf("failed to advance serial for unit %s: %w", snapshot.UnitID, err)
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode state for unit %s: %w", snapshot.UnitID, err)
	}

	_, err = b.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.stateKey(snapshot.UnitID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to write state object for unit %s: %w", snapshot.UnitID, err)
	}

	return nil
}

func (b *S3Backend) currentSerial(ctx context.Context, serialKey string) (uint64, error) {
	out, err := b.ddbClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.lockTable),
		ConsistentRead: aws.Bool(true),
		Key: map[string]ddbtypes.AttributeValue{
			"LockID": &ddbtypes.AttributeValueMemberS{Value: serialKey},
		},
	})
	if err != nil {
		return 0, err
	}
	if v, ok := out.Item["Serial"].(*ddbtypes.AttributeValueMemberN); ok {
		return strconv.ParseUint(v.Value, 10, 64)
	}
	return 0, nil
}

// Close is a no-op; the SDK clients hold no connections to tear down.
func (b *S3Backend) Close() error {
	return nil
}
