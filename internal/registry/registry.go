// Package registry loads and serves the catalog of registered data sources.
// Sources are declared in a YAML file; patterns are compiled and each source
// gets a representative embedding at load time. The catalog is swapped
// atomically on reload so in-flight requests keep the snapshot they started
// with.
package registry

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/hyeokjun/routerag-go/internal/domain/entities"
	"github.com/hyeokjun/routerag-go/internal/domain/ports"
)

// sourceSpec is the YAML shape of one source declaration.
type sourceSpec struct {
	ID          string            `yaml:"id"`
	DisplayName string            `yaml:"display_name"`
	Description string            `yaml:"description"`
	Keywords    []string          `yaml:"keywords"`
	Patterns    []string          `yaml:"patterns"`
	IDPattern   string            `yaml:"id_pattern"`
	Schema      map[string]string `yaml:"schema"`
	Collection  string            `yaml:"collection"`
	Samples     []string          `yaml:"samples"`
}

type catalogSpec struct {
	Sources []sourceSpec `yaml:"sources"`
}

// Registry implements ports.SourceRegistry over a YAML catalog file.
type Registry struct {
	path     string
	embedder ports.EmbeddingService

	mu      sync.RWMutex
	sources []entities.DataSource
	byID    map[string]int
}

// Load reads, compiles and embeds the catalog at path.
// It fails fast on malformed YAML, bad regexes, or unknown field types.
func Load(ctx context.Context, path string, embedder ports.EmbeddingService) (*Registry, error) {
	r := &Registry{path: path, embedder: embedder}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the catalog file and atomically replaces the snapshot.
// On error the previous snapshot stays in place.
func (r *Registry) Reload(ctx context.Context) error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("reading catalog: %w", err)
	}

	var spec catalogSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("parsing catalog: %w", err)
	}
	if len(spec.Sources) == 0 {
		return fmt.Errorf("catalog %s declares no sources", r.path)
	}

	sources := make([]entities.DataSource, 0, len(spec.Sources))
	byID := make(map[string]int, len(spec.Sources))
	for _, s := range spec.Sources {
		src, err := compileSource(s)
		if err != nil {
			return fmt.Errorf("source %q: %w", s.ID, err)
		}
		if _, dup := byID[src.ID]; dup {
			return fmt.Errorf("duplicate source id %q", src.ID)
		}
		byID[src.ID] = len(sources)
		sources = append(sources, src)
	}

	if err := r.embedSources(ctx, sources, spec.Sources); err != nil {
		return err
	}

	r.mu.Lock()
	r.sources = sources
	r.byID = byID
	r.mu.Unlock()

	log.Info().Int("sources", len(sources)).Str("path", r.path).Msg("source catalog loaded")
	return nil
}

func compileSource(s sourceSpec) (entities.DataSource, error) {
	if s.ID == "" {
		return entities.DataSource{}, fmt.Errorf("missing id")
	}
	src := entities.DataSource{
		ID:          s.ID,
		DisplayName: s.DisplayName,
		Description: s.Description,
		Keywords:    append([]string(nil), s.Keywords...),
		Collection:  s.Collection,
	}
	if src.Collection == "" {
		src.Collection = s.ID
	}

	for _, p := range s.Patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return entities.DataSource{}, fmt.Errorf("pattern %q: %w", p, err)
		}
		src.Patterns = append(src.Patterns, re)
	}
	if s.IDPattern != "" {
		re, err := regexp.Compile("(?i)" + s.IDPattern)
		if err != nil {
			return entities.DataSource{}, fmt.Errorf("id_pattern %q: %w", s.IDPattern, err)
		}
		if re.NumSubexp() != 1 {
			return entities.DataSource{}, fmt.Errorf("id_pattern %q needs exactly one capture group", s.IDPattern)
		}
		src.IDPattern = re
	}

	if len(s.Schema) > 0 {
		src.Schema = make(map[string]entities.FieldType, len(s.Schema))
		for field, kind := range s.Schema {
			switch t := entities.FieldType(kind); t {
			case entities.FieldString, entities.FieldNumber, entities.FieldTime:
				src.Schema[field] = t
			default:
				return entities.DataSource{}, fmt.Errorf("field %q has unknown type %q", field, kind)
			}
		}
	}
	return src, nil
}

// embedSources computes each source's representative embedding: the centroid
// of the description plus any sample snippets.
func (r *Registry) embedSources(ctx context.Context, sources []entities.DataSource, specs []sourceSpec) error {
	for i := range sources {
		texts := make([]string, 0, 1+len(specs[i].Samples))
		if sources[i].Description != "" {
			texts = append(texts, sources[i].Description)
		}
		texts = append(texts, specs[i].Samples...)
		if len(texts) == 0 {
			continue
		}

		vecs, err := r.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding source %q: %w", sources[i].ID, err)
		}
		sources[i].Embedding = centroid(vecs)
	}
	return nil
}

func centroid(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	out := make([]float32, len(vecs[0]))
	for _, v := range vecs {
		for i := range out {
			if i < len(v) {
				out[i] += v[i]
			}
		}
	}
	n := float32(len(vecs))
	for i := range out {
		out[i] /= n
	}
	return out
}

// Sources returns a copy of the current catalog in declaration order.
func (r *Registry) Sources() []entities.DataSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]entities.DataSource, len(r.sources))
	copy(out, r.sources)
	return out
}

// Source returns the source with the given id.
func (r *Registry) Source(id string) (entities.DataSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[id]
	if !ok {
		return entities.DataSource{}, false
	}
	return r.sources[i], true
}
