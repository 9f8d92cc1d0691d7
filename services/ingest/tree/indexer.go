package tree

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"unpackd/services/ingest/errs"
)

// StructureFile is the cached tree written at the root of an extraction.
const StructureFile = ".archive_structure.json"

// Indexer builds and caches directory trees.
type Indexer struct {
	logger zerolog.Logger
}

// NewIndexer returns an Indexer logging to logger.
func NewIndexer(logger zerolog.Logger) *Indexer {
	return &Indexer{logger: logger}
}

// StructurePath is where the tree for root is cached.
func StructurePath(root string) string {
	return filepath.Join(root, StructureFile)
}

// Build returns the tree for root. A readable structure file short-circuits
// the walk; otherwise the tree is rebuilt and written back. A failed write is
// logged and does not fail the build.
func (ix *Indexer) Build(root, sessionID string) (*Node, error) {
	logger := ix.logger.With().Str("session", sessionID).Logger()
	cachePath := StructurePath(root)

	if cached, err := Load(cachePath); err == nil {
		return cached, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		logger.Warn().Err(err).Msg("structure cache unreadable, rebuilding")
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, errs.New(errs.KindFilesystem, "index", err)
	}
	if !info.IsDir() {
		return nil, errs.Newf(errs.KindFilesystem, "index", "%s is not a directory", root)
	}

	tree := NewRoot()
	index := map[string]*Node{".": tree}

	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			logger.Warn().Err(err).Str("path", p).Msg("skipping unreadable entry")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		parent, ok := index[rel]
		if !ok {
			logger.Warn().Str("path", rel).Msg("directory has no indexed parent, skipping subtree")
			return filepath.SkipDir
		}

		entries, err := os.ReadDir(p)
		if err != nil {
			logger.Warn().Err(err).Str("path", rel).Msg("cannot list directory")
			return filepath.SkipDir
		}

		var dirs, files []*Node
		for _, e := range entries {
			if rel == "." && e.Name() == StructureFile {
				continue
			}
			childRel := e.Name()
			if rel != "." {
				childRel = filepath.Join(rel, e.Name())
			}
			slashRel := filepath.ToSlash(childRel)

			switch {
			case e.IsDir():
				node := &Node{Name: e.Name(), Type: TypeDirectory, Path: slashRel, Children: []*Node{}}
				index[childRel] = node
				dirs = append(dirs, node)
			case e.Type().IsRegular():
				files = append(files, &Node{Name: e.Name(), Type: TypeFile, Path: slashRel, IsMedia: IsMedia(e.Name())})
			default:
				logger.Debug().Str("path", slashRel).Msg("skipping non-regular entry")
			}
		}
		// os.ReadDir sorts by name, which is the byte-wise order we want.
		parent.Children = append(append(parent.Children, dirs...), files...)
		return nil
	})
	if walkErr != nil {
		return nil, errs.New(errs.KindFilesystem, "index", walkErr)
	}

	ix.persist(logger, cachePath, tree)
	return tree, nil
}

func (ix *Indexer) persist(logger zerolog.Logger, cachePath string, tree *Node) {
	data, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		logger.Error().Err(err).Msg("encode structure")
		return
	}
	f, err := os.Create(cachePath)
	if err != nil {
		logger.Error().Err(err).Msg("write structure cache")
		return
	}
	if _, err := f.Write(data); err != nil {
		logger.Error().Err(err).Msg("write structure cache")
	}
	if err := f.Close(); err != nil {
		logger.Error().Err(err).Msg("close structure cache")
	}
}

// Load decodes a structure file.
func Load(path string) (*Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	if n.Type != TypeDirectory {
		return nil, errors.New("structure root is not a directory")
	}
	return &n, nil
}
