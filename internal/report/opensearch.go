package report

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"
)

// ArchiveConfig locates the result archive.
type ArchiveConfig struct {
	URL      string
	Username string
	Password string
	Insecure bool
	Index    string
}

// Archive stores one document per detection of a report in OpenSearch so
// results of many runs can be queried together.
type Archive struct {
	client *opensearch.Client
	index  string
}

// NewArchive creates an archive client. No request is made.
func NewArchive(cfg ArchiveConfig) (*Archive, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.Insecure},
	}
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}
	index := cfg.Index
	if index == "" {
		index = "dettest-results"
	}
	return &Archive{client: client, index: index}, nil
}

// archiveDoc is one indexed detection.
type archiveDoc struct {
	Timestamp  time.Time  `json:"@timestamp"`
	RunID      string     `json:"run_id"`
	Background Background `json:"background"`
	Detection
}

// Store bulk-indexes every detection of r. Document ids combine the run id
// and the detection id so storing a report twice does not duplicate it.
func (a *Archive) Store(ctx context.Context, r *Report) (int, error) {
	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:     a.client,
		Index:      a.index,
		NumWorkers: 1,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	var (
		mu      sync.Mutex
		indexed int
		errs    []error
	)
	ts := r.Background.Started
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	for _, d := range r.Detections {
		data, err := json.Marshal(archiveDoc{
			Timestamp:  ts,
			RunID:      r.Background.RunID,
			Background: r.Background,
			Detection:  d,
		})
		if err != nil {
			return indexed, fmt.Errorf("marshal %s: %w", d.Name, err)
		}
		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: r.Background.RunID + ":" + d.ID,
			Body:       bytes.NewReader(data),
			OnSuccess: func(context.Context, opensearchutil.BulkIndexerItem, opensearchutil.BulkIndexerResponseItem) {
				mu.Lock()
				indexed++
				mu.Unlock()
			},
			OnFailure: func(_ context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					err = fmt.Errorf("%s: %s", res.Error.Type, res.Error.Reason)
				}
				errs = append(errs, fmt.Errorf("document %s: %w", item.DocumentID, err))
			},
		})
		if err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("failed to add to bulk indexer: %w", err))
			mu.Unlock()
		}
	}

	closeErr := bi.Close(ctx)
	mu.Lock()
	if closeErr != nil {
		errs = append(errs, fmt.Errorf("bulk indexer close error: %w", closeErr))
	}
	defer mu.Unlock()
	return indexed, errors.Join(errs...)
}
