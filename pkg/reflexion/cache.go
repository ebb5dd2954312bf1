package reflexion

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Age cutoffs in days: entries older than LoadMaxAgeDays are ignored on
// load; Cleanup removes entries older than CleanupMaxAgeDays.
const (
	LoadMaxAgeDays    = 30
	CleanupMaxAgeDays = 90
)

// Cache persists reflection records across issues so lessons learned on
// one issue can seed work on the next. Each issue's records live in one
// envelope file under <dir>/<owner>/<repo>/issue_<n>.json.
type Cache struct {
	dir string
}

// entry is the persisted file format.
type entry struct {
	RepoOwner       string    `json:"repo_owner"`
	RepoName        string    `json:"repo_name"`
	IssueNumber     int       `json:"issue_number"`
	Timestamp       time.Time `json:"timestamp"`
	ReflectionCount int       `json:"reflection_count"`
	Reflections     []*Record `json:"reflections"`
}

func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

func (c *Cache) path(owner, repo string, issueNumber int) string {
	return filepath.Join(c.dir, owner, repo, fmt.Sprintf("issue_%d.json", issueNumber))
}

// Save writes the records for one issue, replacing any earlier entry.
func (c *Cache) Save(owner, repo string, issueNumber int, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	path := c.path(owner, repo, issueNumber)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	data, err := json.MarshalIndent(entry{
		RepoOwner:       owner,
		RepoName:        repo,
		IssueNumber:     issueNumber,
		Timestamp:       time.Now().UTC(),
		ReflectionCount: len(records),
		Reflections:     records,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal reflection records: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write reflection cache: %w", err)
	}
	return nil
}

// Load reads every entry for a repository younger than maxAgeDays and
// concatenates their records. A repository that was never cached yields
// nil records.
func (c *Cache) Load(owner, repo string, maxAgeDays int) ([]*Record, error) {
	entries, err := c.loadEntries(owner, repo)
	if err != nil {
		return nil, err
	}

	cutoff := ageCutoff(maxAgeDays)
	var records []*Record
	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		records = append(records, e.Reflections...)
	}
	return records, nil
}

// Recall loads the repository's records within the load age window and
// returns the topK most similar to the situation, best first. Records
// scoring zero are never returned.
func (c *Cache) Recall(owner, repo string, situation Situation, topK int) ([]*Record, error) {
	records, err := c.Load(owner, repo, LoadMaxAgeDays)
	if err != nil {
		return nil, err
	}

	type scored struct {
		record *Record
		score  float64
	}
	var candidates []scored
	for _, record := range records {
		if score := record.Similarity(situation); score > 0 {
			candidates = append(candidates, scored{record, score})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}

	out := make([]*Record, len(candidates))
	for i, candidate := range candidates {
		out[i] = candidate.record
	}
	return out, nil
}

// Stats summarizes what the cache holds for one repository.
type Stats struct {
	Issues  int `json:"issues"`
	Records int `json:"records"`
}

// GetStats counts the cached issues and records for a repository,
// regardless of age.
func (c *Cache) GetStats(owner, repo string) (Stats, error) {
	entries, err := c.loadEntries(owner, repo)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	for _, e := range entries {
		stats.Issues++
		stats.Records += len(e.Reflections)
	}
	return stats, nil
}

// Cleanup deletes every entry for a repository older than maxAgeDays.
// A repository that was never cached is not an error.
func (c *Cache) Cleanup(owner, repo string, maxAgeDays int) error {
	repoDir := filepath.Join(c.dir, owner, repo)
	dirEntries, err := os.ReadDir(repoDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to scan reflection cache: %w", err)
	}

	cutoff := ageCutoff(maxAgeDays)
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() || filepath.Ext(dirEntry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(repoDir, dirEntry.Name())
		e, err := readEntry(path)
		if err != nil {
			continue
		}
		if e.Timestamp.Before(cutoff) {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove stale cache entry: %w", err)
			}
		}
	}
	return nil
}

func (c *Cache) loadEntries(owner, repo string) ([]*entry, error) {
	repoDir := filepath.Join(c.dir, owner, repo)
	dirEntries, err := os.ReadDir(repoDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan reflection cache: %w", err)
	}

	var entries []*entry
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() || filepath.Ext(dirEntry.Name()) != ".json" {
			continue
		}
		e, err := readEntry(filepath.Join(repoDir, dirEntry.Name()))
		if err != nil {
			continue // corrupt entries are skipped, not fatal
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func readEntry(path string) (*entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func ageCutoff(maxAgeDays int) time.Time {
	if maxAgeDays <= 0 {
		maxAgeDays = LoadMaxAgeDays
	}
	return time.Now().UTC().AddDate(0, 0, -maxAgeDays)
}
