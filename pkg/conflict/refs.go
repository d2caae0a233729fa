// Package conflict detects overlapping declared code references between
// units that would otherwise run concurrently, and defines how operator
// verdicts resolve a detected conflict.
package conflict

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"loom/pkg/protocol"
)

// RefSource supplies the declared code references for a chunk. The
// documentation layer owns the declarations; the orchestrator only reads.
type RefSource interface {
	Refs(chunkID string) ([]protocol.CodeRef, error)
}

// DocsRefSource reads declarations from chunk documents: Markdown files
// named <chunk_id>.md whose YAML frontmatter carries a code_refs list.
type DocsRefSource struct {
	dir string
}

// NewDocsRefSource returns a RefSource over the given chunk-docs directory.
func NewDocsRefSource(dir string) *DocsRefSource {
	return &DocsRefSource{dir: dir}
}

// docEnvelope is the frontmatter subset the orchestrator cares about.
type docEnvelope struct {
	CodeRefs []protocol.CodeRef `yaml:"code_refs"`
}

// Refs returns the chunk's declared references. A missing document or a
// document without frontmatter declares nothing; malformed YAML is an error
// so a bad declaration never silently passes the conflict check.
func (s *DocsRefSource) Refs(chunkID string) ([]protocol.CodeRef, error) {
	if err := protocol.ValidateChunkID(chunkID); err != nil {
		return nil, fmt.Errorf("refs lookup: %w", err)
	}
	content, err := os.ReadFile(filepath.Join(s.dir, chunkID+".md"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chunk doc %s: %w", chunkID, err)
	}

	meta, ok := frontmatter(content)
	if !ok {
		return nil, nil
	}
	var env docEnvelope
	if err := yaml.Unmarshal(meta, &env); err != nil {
		return nil, fmt.Errorf("parse chunk doc %s frontmatter: %w", chunkID, err)
	}
	return env.CodeRefs, nil
}

// frontmatter extracts the YAML block between the leading `---` fences.
func frontmatter(content []byte) ([]byte, bool) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, false
	}
	rest := normalized[4:]
	parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
	if len(parts) < 2 {
		// A fence that never closes: treat the remainder up to a trailing
		// fence-only last line, otherwise no frontmatter.
		if bytes.HasSuffix(rest, []byte("\n---")) {
			return rest[:len(rest)-4], true
		}
		return nil, false
	}
	return parts[0], true
}
