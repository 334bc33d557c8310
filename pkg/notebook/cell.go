package notebook

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/google/uuid"
)

// CellKind classifies a notebook cell.
type CellKind string

const (
	CellKindMarkdown CellKind = "markdown"
	CellKindCode     CellKind = "code"
	CellKindThinking CellKind = "thinking"
	CellKindOutcome  CellKind = "outcome"
	CellKindError    CellKind = "error"
)

// Output type tags mirror the kernel wire format.
const (
	OutputTypeText    = "text"
	OutputTypeStream  = "stream"
	OutputTypeError   = "error"
	OutputTypeResult  = "result"
	OutputTypeDisplay = "display"
)

// Output is one captured output of a code execution.
type Output struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// String renders the output the way it is recorded in the effect log.
func (o Output) String() string {
	return o.Content
}

// Cell is a single notebook cell. Cells are created by action handlers and
// mutated only through CellStore methods; a completed workflow keeps every
// cell as part of the transcript.
type Cell struct {
	ID       string                 `json:"id"`
	Kind     CellKind               `json:"type"`
	Content  string                 `json:"content"`
	Outputs  []Output               `json:"outputs,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewCell creates a cell with a fresh unique ID.
func NewCell(kind CellKind, content string) *Cell {
	return &Cell{
		ID:       "cell_" + uuid.NewString()[:8],
		Kind:     kind,
		Content:  content,
		Metadata: make(map[string]interface{}),
	}
}

// snapshot captures the change-detection baseline of a cell: content
// length, output count and a metadata hash. Dirty checks compare against
// the last snapshot instead of storing full copies.
type snapshot struct {
	contentLen   int
	contentHash  uint64
	outputsCount int
	metadataHash uint64
}

func snapshotOf(cell *Cell) snapshot {
	return snapshot{
		contentLen:   len(cell.Content),
		contentHash:  hashString(cell.Content),
		outputsCount: len(cell.Outputs),
		metadataHash: hashMetadata(cell.Metadata),
	}
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// hashMetadata hashes metadata with stable key order so map iteration does
// not produce spurious dirty flags.
func hashMetadata(metadata map[string]interface{}) uint64 {
	if len(metadata) == 0 {
		return 0
	}

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		raw, err := json.Marshal(metadata[k])
		if err != nil {
			raw = []byte(fmt.Sprintf("%v", metadata[k]))
		}
		_, _ = h.Write(raw)
	}
	return h.Sum64()
}
