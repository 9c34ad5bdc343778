package upstream

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/minermesh/minerpool/lease"
)

// ManifestJobSource pulls new jobs from an HTTP shard manifest: a CSV
// of (file URL, sha256 hash) rows, one task per row. It implements
// lease.JobSource.
type ManifestJobSource struct {
	URL    string
	Client *http.Client

	newID func() string
}

func NewManifestJobSource(url string) *ManifestJobSource {
	return &ManifestJobSource{
		URL:    url,
		Client: &http.Client{Timeout: 30 * time.Second},
		newID:  func() string { return uuid.New().String() },
	}
}

// NextJob fetches and parses the manifest. An empty manifest means no
// work is available yet.
func (s *ManifestJobSource) NextJob(ctx context.Context) (string, []lease.Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("fetching manifest: unexpected status %s", resp.Status)
	}

	tasks, err := parseManifest(resp.Body)
	if err != nil {
		return "", nil, err
	}
	if len(tasks) == 0 {
		return "", nil, nil
	}
	return s.newID(), tasks, nil
}

// parseManifest reads (url, hash) rows, skipping the header and any
// malformed row.
func parseManifest(r io.Reader) ([]lease.Task, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var tasks []lease.Task
	first := true
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing manifest: %w", err)
		}
		if first {
			first = false
			continue
		}
		if len(row) != 2 {
			continue
		}
		tasks = append(tasks, lease.Task{URL: row[0], Hash: row[1]})
	}
	return tasks, nil
}

// MergeClient asks an external merge service to combine the artifacts
// of a finished job. It implements lease.Merger.
type MergeClient struct {
	URL    string
	Client *http.Client
}

func NewMergeClient(url string) *MergeClient {
	return &MergeClient{URL: url, Client: &http.Client{Timeout: 5 * time.Minute}}
}

type mergeRequest struct {
	Paths []string `json:"paths"`
}

type mergeResponse struct {
	MergedPath string `json:"merged_path"`
	Error      string `json:"error"`
}

func (m *MergeClient) MergeArtifacts(ctx context.Context, paths []string) (string, error) {
	body, err := json.Marshal(mergeRequest{Paths: paths})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.URL, strings.NewReader(string(body)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var reply mergeResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", fmt.Errorf("decoding merge response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || reply.Error != "" {
		return "", fmt.Errorf("merge service rejected job: %s", reply.Error)
	}
	return reply.MergedPath, nil
}
