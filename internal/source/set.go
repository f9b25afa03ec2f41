package source

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Format is the encoding of a descriptor file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks the encoding from a file name or URL path.
func FormatFor(name string) Format {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".yaml" || ext == ".yml" {
		return FormatYAML
	}
	return FormatJSON
}

// Set is the ordered list of sources processed by a run. Order matters:
// identifiers are assigned in declaration order.
type Set struct {
	Sources []*Descriptor `json:"sources" yaml:"sources"`
}

// Repository loads and persists a descriptor Set.
type Repository interface {
	Load(ctx context.Context) (*Set, error)
	Save(ctx context.Context, set *Set) error
}

// Parse decodes and validates a descriptor file.
func Parse(data []byte, format Format) (*Set, error) {
	var set Set
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &set); err != nil {
			return nil, eris.Wrap(err, "source: decode yaml")
		}
	default:
		if err := json.Unmarshal(data, &set); err != nil {
			return nil, eris.Wrap(err, "source: decode json")
		}
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return &set, nil
}

// Validate validates every descriptor and rejects duplicate names, which
// would collide on output file names.
func (s *Set) Validate() error {
	seen := make(map[string]bool, len(s.Sources))
	for i, d := range s.Sources {
		if d == nil {
			return eris.Wrapf(ErrInvalidDescriptor, "source: entry %d is empty", i)
		}
		if err := d.Validate(); err != nil {
			return err
		}
		if seen[d.Slug()] {
			return eris.Wrapf(ErrInvalidDescriptor, "source %s: duplicate name", d.Name)
		}
		seen[d.Slug()] = true
	}
	return nil
}

// Geocodable returns the sources that need geocoding, in order.
func (s *Set) Geocodable() []*Descriptor {
	var out []*Descriptor
	for _, d := range s.Sources {
		if d.NeedsGeocoding {
			out = append(out, d)
		}
	}
	return out
}

// Encode serializes the set. JSON output has sorted keys and two-space
// indentation so diffs of the checked-in file stay small.
func (s *Set) Encode(format Format) ([]byte, error) {
	if format == FormatYAML {
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return nil, eris.Wrap(err, "source: encode yaml")
		}
		if err := enc.Close(); err != nil {
			return nil, eris.Wrap(err, "source: close yaml encoder")
		}
		return buf.Bytes(), nil
	}

	raw, err := json.Marshal(s)
	if err != nil {
		return nil, eris.Wrap(err, "source: encode json")
	}
	// Round-trip through a generic value so map keys come out sorted.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, eris.Wrap(err, "source: re-decode json")
	}
	out, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "source: indent json")
	}
	return append(out, '\n'), nil
}

// LocalStore keeps the descriptor file on disk.
type LocalStore struct {
	Path string
}

// Load reads and validates the descriptor file.
func (l *LocalStore) Load(_ context.Context) (*Set, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read %s", l.Path)
	}
	return Parse(data, FormatFor(l.Path))
}

// Save rewrites the descriptor file via a temp file and rename.
func (l *LocalStore) Save(_ context.Context, set *Set) error {
	data, err := set.Encode(FormatFor(l.Path))
	if err != nil {
		return err
	}
	tmp := l.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrapf(err, "source: write %s", tmp)
	}
	if err := os.Rename(tmp, l.Path); err != nil {
		return eris.Wrapf(err, "source: replace %s", l.Path)
	}
	return nil
}
