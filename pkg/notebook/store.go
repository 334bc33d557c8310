package notebook

import (
	"fmt"

	"nbflow/engine_go/internal/utils"
)

// CellStore holds the notebook: cells in insertion order, indexed by ID,
// with per-cell dirty tracking. Between two ClearDirty calls DirtyIDs is
// exactly the set of cells touched by any mutating call.
type CellStore struct {
	cells          []*Cell
	byID           map[string]*Cell
	snapshots      map[string]snapshot
	dirty          map[string]bool
	title          string
	executionCount int
	logger         utils.ExtendedLogger
}

// NewCellStore creates an empty cell store.
func NewCellStore(logger utils.ExtendedLogger) *CellStore {
	return &CellStore{
		cells:     make([]*Cell, 0),
		byID:      make(map[string]*Cell),
		snapshots: make(map[string]snapshot),
		dirty:     make(map[string]bool),
		logger:    utils.OrNoop(logger),
	}
}

// Add appends a cell. The new cell starts dirty and its snapshot is
// recorded for future diffing. Cell IDs must be unique in the notebook.
func (cs *CellStore) Add(cell *Cell) error {
	if cell == nil {
		return fmt.Errorf("cannot add nil cell")
	}
	if _, exists := cs.byID[cell.ID]; exists {
		return fmt.Errorf("duplicate cell id %q", cell.ID)
	}
	if cell.Metadata == nil {
		cell.Metadata = make(map[string]interface{})
	}

	cs.cells = append(cs.cells, cell)
	cs.byID[cell.ID] = cell
	cs.snapshots[cell.ID] = snapshotOf(cell)
	cs.dirty[cell.ID] = true

	cs.logger.Debugf("cell %s added (%s), %d cells total", cell.ID, cell.Kind, len(cs.cells))
	return nil
}

// Get returns the cell with the given ID.
func (cs *CellStore) Get(id string) (*Cell, bool) {
	cell, ok := cs.byID[id]
	return cell, ok
}

// UpdateContent replaces a cell's content, marking it dirty only when the
// text actually changed relative to the last snapshot.
func (cs *CellStore) UpdateContent(id, text string) error {
	cell, ok := cs.byID[id]
	if !ok {
		return fmt.Errorf("cell %q not found", id)
	}

	snap := cs.snapshots[id]
	cell.Content = text
	if snap.contentLen != len(text) || snap.contentHash != hashString(text) {
		cs.dirty[id] = true
		cs.snapshots[id] = snapshotOf(cell)
	}
	return nil
}

// AppendOutputs appends execution outputs to a cell. The cell is marked
// dirty iff at least one output was added.
func (cs *CellStore) AppendOutputs(id string, outputs []Output) error {
	cell, ok := cs.byID[id]
	if !ok {
		return fmt.Errorf("cell %q not found", id)
	}
	if len(outputs) == 0 {
		return nil
	}

	cell.Outputs = append(cell.Outputs, outputs...)
	cs.dirty[id] = true
	cs.snapshots[id] = snapshotOf(cell)
	return nil
}

// ClearOutputs drops all outputs of a cell, marking it dirty iff there was
// something to clear.
func (cs *CellStore) ClearOutputs(id string) error {
	cell, ok := cs.byID[id]
	if !ok {
		return fmt.Errorf("cell %q not found", id)
	}
	if len(cell.Outputs) == 0 {
		return nil
	}

	cell.Outputs = nil
	cs.dirty[id] = true
	cs.snapshots[id] = snapshotOf(cell)
	return nil
}

// UpdateMetadata merges patch into the cell metadata, marking the cell
// dirty iff any key actually changed.
func (cs *CellStore) UpdateMetadata(id string, patch map[string]interface{}) error {
	cell, ok := cs.byID[id]
	if !ok {
		return fmt.Errorf("cell %q not found", id)
	}
	if len(patch) == 0 {
		return nil
	}

	before := hashMetadata(cell.Metadata)
	for k, v := range patch {
		cell.Metadata[k] = v
	}
	if hashMetadata(cell.Metadata) != before {
		cs.dirty[id] = true
		cs.snapshots[id] = snapshotOf(cell)
	}
	return nil
}

// DirtyIDs returns the set of cells changed since the last ClearDirty.
func (cs *CellStore) DirtyIDs() map[string]bool {
	out := make(map[string]bool, len(cs.dirty))
	for id := range cs.dirty {
		out[id] = true
	}
	return out
}

// ClearDirty re-snapshots every cell and clears the dirty set. Called
// exactly once per outbound observation.
func (cs *CellStore) ClearDirty() {
	for _, cell := range cs.cells {
		cs.snapshots[cell.ID] = snapshotOf(cell)
	}
	cs.dirty = make(map[string]bool)
}

// Cells returns the cells in insertion order.
func (cs *CellStore) Cells() []*Cell {
	out := make([]*Cell, len(cs.cells))
	copy(out, cs.cells)
	return out
}

// Len returns the number of cells.
func (cs *CellStore) Len() int {
	return len(cs.cells)
}

// LastCell returns the most recently added cell.
func (cs *CellStore) LastCell() (*Cell, bool) {
	if len(cs.cells) == 0 {
		return nil, false
	}
	return cs.cells[len(cs.cells)-1], true
}

// Title returns the notebook title.
func (cs *CellStore) Title() string {
	return cs.title
}

// SetTitle sets the notebook title.
func (cs *CellStore) SetTitle(title string) {
	cs.title = title
}

// ExecutionCount returns the monotonically increasing execution counter.
func (cs *CellStore) ExecutionCount() int {
	return cs.executionCount
}

// IncrementExecutionCount bumps the execution counter and returns it.
func (cs *CellStore) IncrementExecutionCount() int {
	cs.executionCount++
	return cs.executionCount
}

// SerializedCell is the wire shape of a cell inside an observation.
type SerializedCell struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Content  string                 `json:"content"`
	Outputs  []Output               `json:"outputs,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	IsUpdate *bool                  `json:"isUpdate,omitempty"`
}

// ToDict serializes cells in order. When includeDirtyFlag is set each cell
// carries an isUpdate boolean reflecting its dirty state.
func (cs *CellStore) ToDict(includeDirtyFlag bool) []SerializedCell {
	out := make([]SerializedCell, 0, len(cs.cells))
	for _, cell := range cs.cells {
		serialized := SerializedCell{
			ID:      cell.ID,
			Type:    string(cell.Kind),
			Content: cell.Content,
			Outputs: cell.Outputs,
		}
		if len(cell.Metadata) > 0 {
			serialized.Metadata = cell.Metadata
		}
		if includeDirtyFlag {
			isUpdate := cs.dirty[cell.ID]
			serialized.IsUpdate = &isUpdate
		}
		out = append(out, serialized)
	}
	return out
}

// Restore replaces the store contents from persisted cells. Used when
// rehydrating an engine snapshot; all cells come back clean.
func (cs *CellStore) Restore(cells []*Cell, title string, executionCount int) {
	cs.cells = make([]*Cell, 0, len(cells))
	cs.byID = make(map[string]*Cell)
	cs.snapshots = make(map[string]snapshot)
	cs.dirty = make(map[string]bool)
	cs.title = title
	cs.executionCount = executionCount

	for _, cell := range cells {
		if cell == nil {
			continue
		}
		if cell.Metadata == nil {
			cell.Metadata = make(map[string]interface{})
		}
		cs.cells = append(cs.cells, cell)
		cs.byID[cell.ID] = cell
		cs.snapshots[cell.ID] = snapshotOf(cell)
	}
}
