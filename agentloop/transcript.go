package agentloop

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
)

// ErrConversationNotFound is returned by Load for an unknown id.
var ErrConversationNotFound = errors.New("agentloop: conversation not found")

// TranscriptStore persists conversations between turns.
type TranscriptStore interface {
	Load(id string) ([]Turn, error)
	Save(id string, turns []Turn) error
}

// NewConversationID returns a new sortable conversation id.
func NewConversationID() string {
	return ulid.Make().String()
}

type transcriptFile struct {
	ID    string `json:"id"`
	Turns []Turn `json:"turns"`
}

// FileTranscriptStore keeps one JSON document per conversation in Dir.
type FileTranscriptStore struct {
	Dir string
}

// NewFileTranscriptStore returns a store rooted at dir.
func NewFileTranscriptStore(dir string) *FileTranscriptStore {
	return &FileTranscriptStore{Dir: dir}
}

func (s *FileTranscriptStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid conversation id %q", id)
	}
	return filepath.Join(s.Dir, id+".json"), nil
}

func (s *FileTranscriptStore) Load(id string) ([]Turn, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	var doc transcriptFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return doc.Turns, nil
}

// Save writes the transcript atomically via a temp file and rename.
func (s *FileTranscriptStore) Save(id string, turns []Turn) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create transcript dir: %w", err)
	}
	data, err := json.MarshalIndent(transcriptFile{ID: id, Turns: turns}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", id, err)
	}
	if err := writeFileAtomic(p, data); err != nil {
		return fmt.Errorf("save conversation %s: %w", id, err)
	}
	return nil
}
