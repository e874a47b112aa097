package guard

import "path/filepath"

// Reserved tags that decide where a record lives.
const (
	TagChat        = "*chat"
	TagSystem      = "*system"
	TagPreference  = "*preference"
	TagDreamPrompt = "*dream-prompt"
	TagSplitPrompt = "*split-prompt"
	TagDreamDiary  = "*dream-diary"
	TagInbox       = "*inbox"
)

// Layout maps records to logical storage locations under a data directory.
type Layout struct {
	dataDir string
}

func NewLayout(dataDir string) Layout {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		abs = filepath.Clean(dataDir)
	}
	return Layout{dataDir: abs}
}

func (l Layout) DataDir() string         { return l.dataDir }
func (l Layout) MemoriesDir() string     { return filepath.Join(l.dataDir, "memories") }
func (l Layout) InstructionsDir() string { return filepath.Join(l.dataDir, "instructions") }
func (l Layout) ThreadsDir() string      { return filepath.Join(l.dataDir, "threads") }
func (l Layout) DatabasePath() string    { return filepath.Join(l.dataDir, "enkidu.db") }

// SourcesDir holds imported source material. It sits under memories/ so
// the vault sees it, and is protected from writes.
func (l Layout) SourcesDir() string { return filepath.Join(l.MemoriesDir(), "sources") }

// SnapshotPath is the persisted retrieval index. It is always protected.
func (l Layout) SnapshotPath() string { return filepath.Join(l.MemoriesDir(), "_index.json") }

// Location returns where a record with the given id, thread and tags lives.
// Prompt and preference cards go under instructions/, chat turns under
// threads/<thread>/, everything else under memories/.
func (l Layout) Location(id, threadID string, tags []string) string {
	name := id + ".md"
	for _, t := range tags {
		switch t {
		case TagSystem, TagPreference, TagDreamPrompt, TagSplitPrompt:
			return filepath.Join(l.InstructionsDir(), name)
		}
	}
	for _, t := range tags {
		if t == TagChat {
			thread := threadID
			if thread == "" {
				thread = "_unthreaded"
			}
			return filepath.Join(l.ThreadsDir(), thread, name)
		}
	}
	return filepath.Join(l.MemoriesDir(), name)
}
