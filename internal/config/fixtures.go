package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/scheduleingest/worker/internal/layout"
)

// fixtureBoxFile is the on-disk JSON shape for one fixture image: the
// OCR boxes a real engine would have extracted for it.
type fixtureBoxFile struct {
	Boxes []layout.Box `json:"boxes"`
}

// LoadFixtureBoxes walks dir for *.json files and returns a map from
// fixture key (the file's path relative to dir, without extension, "/"
// separated) to its OCR boxes. A missing directory yields an empty map
// rather than an error, so a deployment can run in fixture mode with
// no sample data wired yet.
func LoadFixtureBoxes(dir string) (map[string][]layout.Box, error) {
	boxes := make(map[string][]layout.Box)
	if dir == "" {
		return boxes, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return boxes, nil
	}

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: read fixture %s: %w", path, err)
		}
		var file fixtureBoxFile
		if err := json.Unmarshal(raw, &file); err != nil {
			return fmt.Errorf("config: parse fixture %s: %w", path, err)
		}
		boxes[fixtureKey(dir, path)] = file.Boxes
		return nil
	})
	if err != nil {
		return nil, err
	}
	return boxes, nil
}

// FixtureObjectsFor builds the object-store-side fixture map paired
// with a set of fixture keys: ocr.FixtureAdapter.Extract treats the
// "image bytes" it receives as the fixture key itself (there is no
// real pixel data in fixture mode), so the object store only needs to
// hand the key back as its own bytes for the pipeline to resolve it.
func FixtureObjectsFor(boxesByKey map[string][]layout.Box) map[string][]byte {
	objects := make(map[string][]byte, len(boxesByKey))
	for key := range boxesByKey {
		objects[key] = []byte(key)
	}
	return objects
}

func fixtureKey(dir, path string) string {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		rel = path
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	return filepath.ToSlash(rel)
}
