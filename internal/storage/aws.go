package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ignite/campaign-mailer/internal/config"
	"github.com/ignite/campaign-mailer/internal/service/campaign"
)

// summaryTTL is how long DynamoDB keeps a summary row.
const summaryTTL = 90 * 24 * time.Hour

// S3API is the subset of the S3 client used here.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// DynamoDBAPI is the subset of the DynamoDB client used here.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// AWSStorage keeps full reports in S3 and, when a table is configured, one
// summary item per campaign in DynamoDB.
type AWSStorage struct {
	s3Client  S3API
	dynamoDB  DynamoDBAPI
	bucket    string
	prefix    string
	tableName string
}

// ResultSummary is the DynamoDB row written for every archived report.
type ResultSummary struct {
	PK            string `dynamodbav:"PK"`
	SK            string `dynamodbav:"SK"`
	Name          string `dynamodbav:"Name"`
	Status        string `dynamodbav:"Status"`
	TotalEmails   int    `dynamodbav:"TotalEmails"`
	ValidEmails   int    `dynamodbav:"ValidEmails"`
	InvalidEmails int    `dynamodbav:"InvalidEmails"`
	SentCount     int    `dynamodbav:"SentCount"`
	FailedCount   int    `dynamodbav:"FailedCount"`
	S3Key         string `dynamodbav:"S3Key"`
	RunError      string `dynamodbav:"RunError,omitempty"`
	ArchivedAt    string `dynamodbav:"ArchivedAt"`
	TTL           int64  `dynamodbav:"TTL,omitempty"`
}

// NewAWSStorage builds S3 and DynamoDB clients from the default credential
// chain, honoring the configured profile.
func NewAWSStorage(ctx context.Context, cfg config.StorageConfig) (*AWSStorage, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if profile := cfg.GetAWSProfile(); profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var ddb DynamoDBAPI
	if cfg.DynamoDBTable != "" {
		ddb = dynamodb.NewFromConfig(awsCfg)
	}
	return NewAWSStorageWithClients(s3.NewFromConfig(awsCfg), ddb, cfg), nil
}

// NewAWSStorageWithClients wires caller-provided clients. ddb may be nil.
func NewAWSStorageWithClients(s3Client S3API, ddb DynamoDBAPI, cfg config.StorageConfig) *AWSStorage {
	return &AWSStorage{
		s3Client:  s3Client,
		dynamoDB:  ddb,
		bucket:    cfg.S3Bucket,
		prefix:    cfg.Prefix,
		tableName: cfg.DynamoDBTable,
	}
}

// ReportKey returns the S3 key of a campaign's report.
func (s *AWSStorage) ReportKey(campaignID string) string {
	return path.Join(s.prefix, campaignID+".json")
}

// SaveReport uploads the report and records its summary.
func (s *AWSStorage) SaveReport(ctx context.Context, report *campaign.Report) error {
	key := s.ReportKey(report.Campaign.ID)
	if err := s.SaveToS3(ctx, key, report); err != nil {
		return err
	}
	if s.dynamoDB == nil {
		return nil
	}
	return s.saveSummary(ctx, key, report)
}

// SaveToS3 saves data as indented JSON.
func (s *AWSStorage) SaveToS3(ctx context.Context, key string, data interface{}) error {
	body, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling data: %w", err)
	}

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("putting object to S3: %w", err)
	}
	return nil
}

// GetReport downloads a campaign's report into target.
func (s *AWSStorage) GetReport(ctx context.Context, campaignID string, target *campaign.Report) error {
	return s.GetFromS3(ctx, s.ReportKey(campaignID), target)
}

// GetFromS3 retrieves a JSON object. A missing key yields ErrNotFound.
func (s *AWSStorage) GetFromS3(ctx context.Context, key string, target interface{}) error {
	result, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return ErrNotFound
		}
		return fmt.Errorf("getting object from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return fmt.Errorf("reading S3 object body: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("unmarshaling S3 data: %w", err)
	}
	return nil
}

func (s *AWSStorage) saveSummary(ctx context.Context, key string, report *campaign.Report) error {
	c := report.Campaign
	item := ResultSummary{
		PK:            "CAMPAIGN#" + c.ID,
		SK:            "RESULTS",
		Name:          c.Name,
		Status:        string(c.Status),
		TotalEmails:   c.TotalEmails,
		ValidEmails:   c.ValidEmails,
		InvalidEmails: c.InvalidEmails,
		SentCount:     c.SentCount,
		FailedCount:   c.FailedCount,
		S3Key:         key,
		RunError:      report.RunError,
		ArchivedAt:    report.ArchivedAt.UTC().Format(time.RFC3339),
		TTL:           report.ArchivedAt.Add(summaryTTL).Unix(),
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling item: %w", err)
	}
	_, err = s.dynamoDB.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("putting item to DynamoDB: %w", err)
	}
	return nil
}

// GetSummary reads a campaign's summary row. Returns ErrNotFound when the
// table has none or no table is configured.
func (s *AWSStorage) GetSummary(ctx context.Context, campaignID string) (*ResultSummary, error) {
	if s.dynamoDB == nil {
		return nil, ErrNotFound
	}
	key, err := attributevalue.MarshalMap(map[string]string{
		"PK": "CAMPAIGN#" + campaignID,
		"SK": "RESULTS",
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling key: %w", err)
	}
	result, err := s.dynamoDB.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       key,
	})
	if err != nil {
		return nil, fmt.Errorf("getting item from DynamoDB: %w", err)
	}
	if len(result.Item) == 0 {
		return nil, ErrNotFound
	}

	var summary ResultSummary
	if err := attributevalue.UnmarshalMap(result.Item, &summary); err != nil {
		return nil, fmt.Errorf("unmarshaling item: %w", err)
	}
	return &summary, nil
}
