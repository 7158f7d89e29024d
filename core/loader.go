package core

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Loader reads the full definition set from a configuration source.
// Implementations: FileLoader (YAML directories) and StoreLoader
// (configuration store tables).
type Loader interface {
	Load(ctx context.Context) (*Definitions, error)
}

// Kind names the three definition kinds.
type Kind string

const (
	KindDatabases Kind = "databases"
	KindQueries   Kind = "queries"
	KindEndpoints Kind = "endpoints"
)

// KindGlobs maps each definition kind to the file name globs that admit a
// file into that kind.
type KindGlobs map[Kind][]string

// DefaultGlobs returns the default file admission patterns.
func DefaultGlobs() KindGlobs {
	return KindGlobs{
		KindDatabases: {"*-database.yml", "*-databases.yml"},
		KindQueries:   {"*-query.yml", "*-queries.yml"},
		KindEndpoints: {"*-endpoint.yml", "*-endpoints.yml", "*-api.yml"},
	}
}

// kindOf returns the kind whose globs admit the file name, if any.
func (g KindGlobs) kindOf(name string) (Kind, bool) {
	for _, kind := range []Kind{KindDatabases, KindQueries, KindEndpoints} {
		for _, glob := range g[kind] {
			if ok, err := filepath.Match(glob, name); err == nil && ok {
				return kind, true
			}
		}
	}
	return "", false
}

// FileLoader scans an ordered list of directories (non-recursively) for
// YAML definition files admitted by per-kind globs.
type FileLoader struct {
	fs       afero.Fs
	dirs     []string
	globs    KindGlobs
	validate *validator.Validate
	log      *zap.SugaredLogger
}

// NewFileLoader creates a file-source loader over the OS filesystem.
func NewFileLoader(dirs []string, globs KindGlobs, log *zap.SugaredLogger) *FileLoader {
	return NewFileLoaderFS(afero.NewOsFs(), dirs, globs, log)
}

// NewFileLoaderFS is NewFileLoader with an explicit filesystem, used by
// tests running on a memory filesystem.
func NewFileLoaderFS(fs afero.Fs, dirs []string, globs KindGlobs, log *zap.SugaredLogger) *FileLoader {
	if globs == nil {
		globs = DefaultGlobs()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &FileLoader{
		fs:       fs,
		dirs:     dirs,
		globs:    globs,
		validate: validator.New(),
		log:      log,
	}
}

// Dirs returns the configured directories, for the watcher.
func (l *FileLoader) Dirs() []string { return l.dirs }

// Globs returns the configured admission globs, for the watcher.
func (l *FileLoader) Globs() KindGlobs { return l.globs }

// Load scans all directories and assembles the three definition maps.
// Two admitted files defining the same name in the same kind is an error
// reported with both source paths.
func (l *FileLoader) Load(ctx context.Context) (*Definitions, error) {
	defs := NewDefinitions()
	sources := map[Kind]map[string]string{
		KindDatabases: {},
		KindQueries:   {},
		KindEndpoints: {},
	}
	order := 0

	for _, dir := range l.dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		infos, err := afero.ReadDir(l.fs, dir)
		if err != nil {
			return nil, WrapError(CodeConfigInvalid, err, "cannot read config directory %s", dir)
		}
		names := make([]string, 0, len(infos))
		for _, fi := range infos {
			if !fi.IsDir() {
				names = append(names, fi.Name())
			}
		}
		sort.Strings(names)

		for _, name := range names {
			kind, ok := l.globs.kindOf(name)
			if !ok {
				continue
			}
			path := filepath.Join(dir, name)
			if err := l.loadFile(path, kind, defs, sources, &order); err != nil {
				return nil, err
			}
			l.log.Debugf("loaded %s from %s", kind, path)
		}
	}

	if err := checkNonEmpty(defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// loadFile parses one admitted file into the definition set. The file's
// top-level mapping must match its admitted kind; names come from the
// mapping keys and declaration order is preserved.
func (l *FileLoader) loadFile(path string, kind Kind, defs *Definitions,
	sources map[Kind]map[string]string, order *int,
) error {
	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return WrapError(CodeConfigInvalid, err, "cannot read %s", path)
	}

	var doc struct {
		Databases yaml.Node `yaml:"databases"`
		Queries   yaml.Node `yaml:"queries"`
		Endpoints yaml.Node `yaml:"endpoints"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return WrapError(CodeConfigInvalid, err, "parse error in %s", path)
	}

	var node yaml.Node
	switch kind {
	case KindDatabases:
		node = doc.Databases
	case KindQueries:
		node = doc.Queries
	case KindEndpoints:
		node = doc.Endpoints
	}
	if node.Kind == 0 {
		return NewError(CodeConfigInvalid, "%s: missing top-level %q mapping", path, kind)
	}
	if node.Kind != yaml.MappingNode {
		return NewError(CodeConfigInvalid, "%s: %q must be a mapping of name to definition", path, kind)
	}

	// mapping nodes keep key/value pairs in document order
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		if prev, dup := sources[kind][name]; dup {
			return NewError(CodeConflict, "duplicate %s name %q defined in %s and %s",
				kind, name, prev, path)
		}
		sources[kind][name] = path

		value := node.Content[i+1]
		switch kind {
		case KindDatabases:
			var d DatabaseDefinition
			if err := value.Decode(&d); err != nil {
				return WrapError(CodeConfigInvalid, err, "parse error in %s: database %q", path, name)
			}
			d.Name = name
			if err := l.checkDef(&d, d.normalize()); err != nil {
				return NewError(CodeConfigInvalid, "%s: database %q: %s", path, name, err)
			}
			defs.Databases[name] = d

		case KindQueries:
			var q QueryDefinition
			if err := value.Decode(&q); err != nil {
				return WrapError(CodeConfigInvalid, err, "parse error in %s: query %q", path, name)
			}
			q.Name = name
			if err := l.checkDef(&q, q.normalize()); err != nil {
				return NewError(CodeConfigInvalid, "%s: query %q: %s", path, name, err)
			}
			defs.Queries[name] = q

		case KindEndpoints:
			var e EndpointDefinition
			if err := value.Decode(&e); err != nil {
				return WrapError(CodeConfigInvalid, err, "parse error in %s: endpoint %q", path, name)
			}
			e.Name = name
			e.order = *order
			*order++
			if err := l.checkDef(&e, e.normalize()); err != nil {
				return NewError(CodeConfigInvalid, "%s: endpoint %q: %s", path, name, err)
			}
			defs.Endpoints[name] = e
		}
	}
	return nil
}

// checkDef combines tag validation with the definition's own normalize
// error.
func (l *FileLoader) checkDef(def interface{}, normErr error) error {
	if normErr != nil {
		return normErr
	}
	if err := l.validate.Struct(def); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("invalid fields: %s", strings.Join(fields, ", "))
		}
		return err
	}
	return nil
}

// checkNonEmpty enforces that all three kinds have at least one
// definition.
func checkNonEmpty(defs *Definitions) error {
	switch {
	case len(defs.Databases) == 0:
		return NewError(CodeConfigInvalid, "empty configuration: no database definitions found")
	case len(defs.Queries) == 0:
		return NewError(CodeConfigInvalid, "empty configuration: no query definitions found")
	case len(defs.Endpoints) == 0:
		return NewError(CodeConfigInvalid, "empty configuration: no endpoint definitions found")
	}
	return nil
}
