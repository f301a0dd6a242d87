// Package audiocache is a content-addressed store of synthesized speech.
// Artifacts are keyed by sha1 of the normalized text, so identical replies
// map to identical files and synthesis runs at most once per distinct text.
package audiocache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"companionkit/core"
	"companionkit/utils/audio"
	"companionkit/utils/text"
)

// Synthesizer is the speech-synthesis collaborator. Implementations receive
// already-normalized text and return a single waveform.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (core.AudioChunk, error)
}

// Cache maps normalized text to WAV files under a dedicated directory.
// The directory is wiped when the cache is opened: artifacts never survive
// a restart, unlike the conversation history.
type Cache struct {
	dir        string
	normalizer text.INormalizer
	synth      Synthesizer
	logger     *core.Logger
}

// NewCache opens a cache rooted at dir, wiping any prior contents.
func NewCache(dir string, normalizer text.INormalizer, synth Synthesizer, logger *core.Logger) (*Cache, error) {
	if logger == nil {
		logger = core.GetLogger()
	}
	c := &Cache{
		dir:        dir,
		normalizer: normalizer,
		synth:      synth,
		logger:     logger.With(map[string]any{"component": "audiocache"}),
	}
	if err := c.Clear(); err != nil {
		return nil, err
	}
	return c, nil
}

// Key computes the artifact key for raw reply text. The key is a pure
// function of the normalized text, so the write path and the playback path
// arrive at the same filename independently.
func (c *Cache) Key(rawText string) string {
	clean := c.normalizer.Normalize(rawText)
	sum := sha1.Sum([]byte(clean))
	return hex.EncodeToString(sum[:]) + ".wav"
}

// GetOrCreate returns the artifact key for rawText, synthesizing and writing
// the waveform if no artifact exists yet. The key is returned even when
// synthesis fails; the error is a *core.SynthesisError and the cache simply
// has no entry for that key afterward. This is a best-effort cache.
func (c *Cache) GetOrCreate(ctx context.Context, rawText string) (string, error) {
	key := c.Key(rawText)
	path := filepath.Join(c.dir, key)

	if _, err := os.Stat(path); err == nil {
		return key, nil
	}

	clean := c.normalizer.Normalize(rawText)
	chunk, err := c.synth.Synthesize(ctx, clean)
	if err != nil {
		return key, &core.SynthesisError{Err: err}
	}
	if len(chunk.Data) == 0 {
		return key, &core.SynthesisError{Err: fmt.Errorf("synthesizer produced no audio for key %s", key)}
	}

	wav, err := audio.ChunkToWavBytes(chunk)
	if err != nil {
		return key, &core.SynthesisError{Err: err}
	}
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		return key, &core.SynthesisError{Err: fmt.Errorf("write artifact: %w", err)}
	}

	c.logger.With(map[string]any{"key": key, "bytes": len(wav)}).Info("audio artifact generated")
	return key, nil
}

// Exists reports whether an artifact is present for key.
func (c *Cache) Exists(key string) bool {
	if !validKey(key) {
		return false
	}
	_, err := os.Stat(filepath.Join(c.dir, key))
	return err == nil
}

// Read returns the stored WAV bytes for key. A missing artifact yields
// core.ErrAudioNotFound; Read never triggers synthesis.
func (c *Cache) Read(key string) ([]byte, error) {
	if !validKey(key) {
		return nil, core.ErrAudioNotFound
	}
	data, err := os.ReadFile(filepath.Join(c.dir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrAudioNotFound
		}
		return nil, fmt.Errorf("audiocache: read %q: %w", key, err)
	}
	return data, nil
}

// Clear removes every artifact and recreates the cache directory.
func (c *Cache) Clear() error {
	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("audiocache: clear %q: %w", c.dir, err)
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("audiocache: create %q: %w", c.dir, err)
	}
	return nil
}

// validKey rejects anything that is not a bare "<hex>.wav" filename, keeping
// lookups confined to the cache directory.
func validKey(key string) bool {
	if key == "" || !strings.HasSuffix(key, ".wav") {
		return false
	}
	name := strings.TrimSuffix(key, ".wav")
	if len(name) == 0 {
		return false
	}
	if _, err := hex.DecodeString(name); err != nil {
		return false
	}
	return filepath.Base(key) == key
}
