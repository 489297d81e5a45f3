/**
 * Vocabulary Corrector - learned wrong -> correct fragment replacements
 *
 * The map lives in one UTF-8 file (JSON, or YAML for .yaml/.yml paths) and
 * only grows through Learn. Learn merges into the current file contents
 * while holding an advisory lock on <path>.lock, then writes a temporary
 * file and renames it over the original, so concurrent readers in other
 * processes see either the old or the new map, never a partial one.
 *
 * Correct is not idempotent in general: the output of one rule may contain
 * the trigger of another, so applying Correct twice can change text again.
 */

package vocabulary

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	ocrerrors "github.com/vietgs03/ocr-tt/internal/errors"
	"github.com/vietgs03/ocr-tt/internal/logging"
)

// Corrector applies and learns vocabulary corrections
type Corrector struct {
	mu      sync.RWMutex
	path    string
	entries map[string]string
	keys    []string // longest first
	modTime time.Time
	logger  *logging.Logger
}

// Load reads the map at path. A missing file yields an empty corrector and
// a warning; the file is created on the first Learn.
func Load(path string) (*Corrector, error) {
	c := &Corrector{
		path:    path,
		entries: map[string]string{},
		logger:  logging.NewLogger("Vocabulary"),
	}

	if err := c.Reload(); err != nil {
		if !errors.Is(err, ocrerrors.ErrCorrectionMapMissing) {
			return nil, err
		}
		c.logger.Warn("Vocabulary file not found, starting empty", "path", path)
	}

	return c, nil
}

// New creates an in-memory corrector that is never persisted
func New(entries map[string]string) *Corrector {
	c := &Corrector{entries: map[string]string{}, logger: logging.NewLogger("Vocabulary")}
	for k, v := range entries {
		if k = norm.NFC.String(k); k != "" {
			c.entries[k] = norm.NFC.String(v)
		}
	}
	c.rebuildKeys()
	return c
}

// Path returns the backing file, empty for in-memory correctors
func (c *Corrector) Path() string { return c.path }

// Reload replaces the in-memory map with the file contents
func (c *Corrector) Reload() error {
	if c.path == "" {
		return nil
	}

	entries, modTime, err := c.read()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.entries = entries
	c.modTime = modTime
	c.rebuildKeys()
	c.mu.Unlock()

	c.logger.Debug("Vocabulary loaded", "path", c.path, "entries", len(entries))
	return nil
}

// read parses the file into a fresh NFC-normalized map
func (c *Corrector) read() (map[string]string, time.Time, error) {
	info, err := os.Stat(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, time.Time{}, ocrerrors.NewCorrectionMapMissingError(c.path, err)
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to stat vocabulary file: %w", err)
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read vocabulary file: %w", err)
	}

	raw := map[string]string{}
	if len(bytes.TrimSpace(data)) > 0 {
		if isYAML(c.path) {
			err = yaml.Unmarshal(data, &raw)
		} else {
			err = json.Unmarshal(data, &raw)
		}
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to parse vocabulary file %s: %w", c.path, err)
		}
	}

	entries := make(map[string]string, len(raw))
	for k, v := range raw {
		if k = norm.NFC.String(k); k != "" {
			entries[k] = norm.NFC.String(v)
		}
	}
	return entries, info.ModTime(), nil
}

// ReloadIfChanged reloads when the file was modified since the last load,
// picking up corrections learned by other processes.
func (c *Corrector) ReloadIfChanged() error {
	if c.path == "" {
		return nil
	}

	info, err := os.Stat(c.path)
	if err != nil {
		return nil
	}

	c.mu.RLock()
	unchanged := info.ModTime().Equal(c.modTime)
	c.mu.RUnlock()
	if unchanged {
		return nil
	}
	return c.Reload()
}

// Size returns the number of mappings
func (c *Corrector) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns a copy of the mappings
func (c *Corrector) Entries() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]string, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// Learn records wrong -> correct and persists the map. It is a no-op when
// wrong equals correct or the pair is already known. The file is re-read
// under an exclusive lock before writing, so corrections learned by other
// processes since the last load are kept.
func (c *Corrector) Learn(wrong, correct string) error {
	wrong, correct = norm.NFC.String(wrong), norm.NFC.String(correct)
	if wrong == "" {
		return fmt.Errorf("wrong fragment must not be empty")
	}
	if wrong == correct {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		if c.entries[wrong] != correct {
			c.entries[wrong] = correct
			c.rebuildKeys()
		}
		return nil
	}

	unlock, err := c.lock()
	if err != nil {
		return err
	}
	defer unlock()

	entries, modTime, err := c.read()
	if errors.Is(err, ocrerrors.ErrCorrectionMapMissing) {
		entries, err = map[string]string{}, nil
	}
	if err != nil {
		return err
	}

	if existing, ok := entries[wrong]; ok && existing == correct {
		c.entries, c.modTime = entries, modTime
		c.rebuildKeys()
		return nil
	}

	entries[wrong] = correct
	if err := c.persist(entries); err != nil {
		return err
	}

	c.entries = entries
	c.rebuildKeys()
	c.logger.Info("Learned correction", "wrong", wrong, "correct", correct, "entries", len(entries))
	return nil
}

// lock takes the cross-process lock guarding read-merge-write of the file
func (c *Corrector) lock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create vocabulary directory: %w", err)
	}

	fl := flock.New(c.path + ".lock")
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("failed to lock vocabulary file: %w", err)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			c.logger.Warn("Failed to unlock vocabulary file", "path", c.path, "error", err)
		}
	}, nil
}

// Correct applies every mapping, longest wrong fragment first. For each
// mapping the fragment is replaced as written, then in lower, upper and
// title case, each time with the correspondingly cased correction.
func (c *Corrector) Correct(text string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.keys) == 0 || text == "" {
		return text
	}

	lower := cases.Lower(language.Und)
	upper := cases.Upper(language.Und)
	title := cases.Title(language.Und)

	out := norm.NFC.String(text)
	for _, wrong := range c.keys {
		correct := c.entries[wrong]

		variants := [][2]string{
			{wrong, correct},
			{lower.String(wrong), lower.String(correct)},
			{upper.String(wrong), upper.String(correct)},
			{title.String(wrong), title.String(correct)},
		}

		seen := make(map[string]bool, len(variants))
		for _, v := range variants {
			if v[0] == "" || seen[v[0]] {
				continue
			}
			seen[v[0]] = true
			out = strings.ReplaceAll(out, v[0], v[1])
		}
	}
	return out
}

// rebuildKeys orders keys longest first (by rune count, ties by key). Caller holds mu.
func (c *Corrector) rebuildKeys() {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		li, lj := len([]rune(keys[i])), len([]rune(keys[j]))
		if li != lj {
			return li > lj
		}
		return keys[i] < keys[j]
	})
	c.keys = keys
}

// persist writes entries atomically. Caller holds mu and the file lock.
func (c *Corrector) persist(entries map[string]string) error {

	var data []byte
	var err error
	if isYAML(c.path) {
		data, err = yaml.Marshal(entries)
	} else {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		err = enc.Encode(entries)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("failed to encode vocabulary: %w", err)
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp vocabulary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write vocabulary: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync vocabulary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close vocabulary: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("failed to replace vocabulary file: %w", err)
	}

	if info, err := os.Stat(c.path); err == nil {
		c.modTime = info.ModTime()
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
