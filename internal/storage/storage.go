// Package storage archives the report of every finished campaign run, either
// as JSON files on local disk or in S3 with a DynamoDB summary row.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ignite/campaign-mailer/internal/config"
	"github.com/ignite/campaign-mailer/internal/pkg/logger"
	"github.com/ignite/campaign-mailer/internal/service/campaign"
)

var (
	// ErrNotFound is returned when no report was archived for a campaign.
	ErrNotFound = errors.New("archived report not found")

	// ErrDisabled is returned by New when the storage type is empty.
	ErrDisabled = errors.New("results storage disabled")
)

// Storage provides persistent storage for campaign reports. It implements
// campaign.Archiver.
type Storage struct {
	config config.StorageConfig
	mu     sync.Mutex

	// AWS storage (aws type only)
	aws *AWSStorage
}

// New creates a Storage for the configured backend.
func New(ctx context.Context, cfg config.StorageConfig) (*Storage, error) {
	s := &Storage{config: cfg}

	switch cfg.Type {
	case config.StorageAWS:
		awsStorage, err := NewAWSStorage(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("initializing AWS storage: %w", err)
		}
		s.aws = awsStorage
	case config.StorageLocal:
		if err := os.MkdirAll(s.localDir(), 0755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
	case "":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
	return s, nil
}

// NewWithAWS wraps an already built AWS backend.
func NewWithAWS(cfg config.StorageConfig, a *AWSStorage) *Storage {
	cfg.Type = config.StorageAWS
	return &Storage{config: cfg, aws: a}
}

// SaveResults archives the report of a finished run. A later report for the
// same campaign replaces the earlier one.
func (s *Storage) SaveResults(ctx context.Context, report *campaign.Report) error {
	if report == nil || report.Campaign == nil {
		return fmt.Errorf("save results: empty report")
	}
	id := report.Campaign.ID

	if s.aws != nil {
		if err := s.aws.SaveReport(ctx, report); err != nil {
			return fmt.Errorf("save results %s: %w", id, err)
		}
	} else if err := s.saveToFile(id, report); err != nil {
		return fmt.Errorf("save results %s: %w", id, err)
	}

	logger.Debug("[storage] report archived", "campaign_id", id, "backend", s.config.Type)
	return nil
}

// GetResults loads the archived report of a campaign.
func (s *Storage) GetResults(ctx context.Context, campaignID string) (*campaign.Report, error) {
	report := &campaign.Report{}
	if s.aws != nil {
		if err := s.aws.GetReport(ctx, campaignID, report); err != nil {
			return nil, err
		}
		return report, nil
	}
	if err := s.loadFromFile(campaignID, report); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load results %s: %w", campaignID, err)
	}
	return report, nil
}

func (s *Storage) localDir() string {
	return filepath.Join(s.config.LocalPath, s.config.Prefix)
}

// saveToFile writes data as indented JSON, replacing the file atomically.
func (s *Storage) saveToFile(key string, data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.localDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// Sanitize key for filename
	path := filepath.Join(dir, filepath.Base(key)+".json")
	tmp, err := os.CreateTemp(dir, ".report-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Storage) loadFromFile(key string, data interface{}) error {
	path := filepath.Join(s.localDir(), filepath.Base(key)+".json")

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(data)
}
