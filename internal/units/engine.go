// Package units keeps the client's view of all map units in one room and
// reconciles optimistic local moves with the server's authoritative
// broadcasts. The server is the only arbiter of unit positions; local drag
// state is a cosmetic preview layered on top at read time.
package units

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mukstoo/vtt-client/internal/core"
	"github.com/mukstoo/vtt-client/internal/domain"
)

const (
	evRequestUnits      = "get_room_units"
	evRoomUnits         = "room_units"
	evMoveUnit          = "move_unit"
	evUnitMoved         = "unit_moved"
	evCreateUnit        = "create_unit"
	evUnitCreated       = "unit_created"
	evUnitCreateSuccess = "unit_create_success"
	evUnitError         = "unit_error"
)

var (
	ErrNotPermitted    = errors.New("not permitted to move this unit")
	ErrUnknownUnit     = errors.New("unknown unit")
	ErrSnapshotTimeout = errors.New("no snapshot response from server")
)

// Grid describes the map geometry units are snapped and clamped against.
type Grid struct {
	CellSize int
	Width    int
	Height   int
	UnitSize int
}

func DefaultGrid() Grid {
	return Grid{CellSize: 40, Width: 800, Height: 600, UnitSize: 30}
}

// Snap rounds a raw coordinate to the nearest grid cell origin.
func (g Grid) Snap(v int) int {
	cell := g.CellSize
	return (v + cell/2) / cell * cell
}

func (g Grid) clampX(x int) int { return clamp(x, 0, g.Width-g.UnitSize) }
func (g Grid) clampY(y int) int { return clamp(y, 0, g.Height-g.UnitSize) }

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Actor is the local caller the permission predicate runs against.
type Actor struct {
	UserID domain.UserID
	GM     bool
}

type Config struct {
	SnapshotTimeout time.Duration
	NoticeTTL       time.Duration
}

func DefaultConfig() Config {
	return Config{SnapshotTimeout: 5 * time.Second, NoticeTTL: 5 * time.Second}
}

// PendingMove is an in-flight optimistic transform, alive only between the
// end of a drag and the authoritative move broadcast for that unit.
type PendingMove struct {
	UnitID domain.UnitID
	X, Y   int
	At     time.Time
}

// overlay is transient presentation state, never sent to the server.
type overlay struct {
	selected bool
	dragging bool
	dragX    int
	dragY    int
}

// View is a unit merged with its presentation overlay for display.
type View struct {
	domain.Unit
	Selected bool
	Dragging bool
}

type Engine struct {
	ch     core.EventChannel
	roomID domain.RoomID
	actor  Actor
	grid   Grid
	cfg    Config
	log    zerolog.Logger

	mu       sync.Mutex
	closed   bool
	units    map[domain.UnitID]domain.Unit
	overlays map[domain.UnitID]*overlay
	pending  map[domain.UnitID]PendingMove
	loading  bool
	loadErr  error
	notice   string

	snapTimer   *time.Timer
	noticeTimer *time.Timer
	subs        []core.Subscription
}

func NewEngine(ch core.EventChannel, roomID domain.RoomID, actor Actor, grid Grid, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		ch:       ch,
		roomID:   roomID,
		actor:    actor,
		grid:     grid,
		cfg:      cfg,
		log:      logger.With().Str("module", "units").Str("room", string(roomID)).Logger(),
		units:    make(map[domain.UnitID]domain.Unit),
		overlays: make(map[domain.UnitID]*overlay),
		pending:  make(map[domain.UnitID]PendingMove),
	}
}

// Start registers the engine's listeners and requests the initial snapshot.
func (e *Engine) Start() {
	e.mu.Lock()
	e.subs = append(e.subs,
		e.ch.Subscribe(evRoomUnits, e.onSnapshot),
		e.ch.Subscribe(evUnitMoved, e.onMoved),
		e.ch.Subscribe(evUnitCreated, e.onCreated),
		e.ch.Subscribe(evUnitCreateSuccess, e.onCreateAck),
		e.ch.Subscribe(evUnitError, e.onError),
	)
	e.mu.Unlock()
	e.RequestSnapshot()
}

// Close unsubscribes every listener and cancels pending timers. Safe to
// call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, sub := range e.subs {
		e.ch.Unsubscribe(sub)
	}
	e.subs = nil
	if e.snapTimer != nil {
		e.snapTimer.Stop()
		e.snapTimer = nil
	}
	if e.noticeTimer != nil {
		e.noticeTimer.Stop()
		e.noticeTimer = nil
	}
}

// RequestSnapshot emits a fetch-all intent. If no snapshot arrives within
// the configured timeout a retryable load error is surfaced; callers retry
// by calling RequestSnapshot again.
func (e *Engine) RequestSnapshot() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.loading = true
	e.loadErr = nil
	if e.snapTimer != nil {
		e.snapTimer.Stop()
	}
	e.snapTimer = time.AfterFunc(e.cfg.SnapshotTimeout, e.snapshotTimedOut)
	e.mu.Unlock()

	payload := struct {
		RoomID domain.RoomID `json:"roomId"`
	}{RoomID: e.roomID}
	if err := e.ch.Emit(evRequestUnits, payload); err != nil {
		e.log.Warn().Err(err).Msg("snapshot request dropped")
	}
}

func (e *Engine) snapshotTimedOut() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.loading {
		return
	}
	e.loading = false
	e.loadErr = ErrSnapshotTimeout
	e.log.Warn().Msg("snapshot request timed out")
}

// CanMove implements the authorization predicate: a GM may move any unit,
// a player only a unit whose linked character they own.
func (e *Engine) CanMove(id domain.UnitID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.units[id]
	if !ok {
		return false
	}
	return e.canMove(u)
}

func (e *Engine) canMove(u domain.Unit) bool {
	if e.actor.GM {
		return true
	}
	return u.Character != nil && u.Character.OwnerID == e.actor.UserID
}

// Select marks one unit selected and clears selection elsewhere.
func (e *Engine) Select(id domain.UnitID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for uid, ov := range e.overlays {
		ov.selected = uid == id
	}
	if _, ok := e.units[id]; ok {
		e.overlayFor(id).selected = true
	}
}

func (e *Engine) ClearSelection() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ov := range e.overlays {
		ov.selected = false
	}
}

// BeginDrag starts the optimistic drag preview. It refuses to start for a
// unit the actor may not move, which is what keeps out-of-policy moves from
// ever reaching ProposeMove.
func (e *Engine) BeginDrag(id domain.UnitID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.units[id]
	if !ok || !e.canMove(u) {
		return false
	}
	ov := e.overlayFor(id)
	ov.selected = true
	ov.dragging = true
	ov.dragX = u.X
	ov.dragY = u.Y
	return true
}

// DragTo updates the cosmetic preview position. Nothing is emitted.
func (e *Engine) DragTo(id domain.UnitID, x, y int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ov, ok := e.overlays[id]
	if !ok || !ov.dragging {
		return
	}
	ov.dragX = e.grid.clampX(e.grid.Snap(x))
	ov.dragY = e.grid.clampY(e.grid.Snap(y))
}

// EndDrag proposes the previewed position to the server. The dragging flag
// stays set until the authoritative move broadcast clears it.
func (e *Engine) EndDrag(id domain.UnitID) error {
	e.mu.Lock()
	ov, ok := e.overlays[id]
	if !ok || !ov.dragging {
		e.mu.Unlock()
		return nil
	}
	x, y := ov.dragX, ov.dragY
	e.mu.Unlock()
	return e.ProposeMove(id, x, y)
}

// ProposeMove snaps and clamps the coordinates and emits a move intent.
// Without permission it is a no-op error and nothing is emitted.
func (e *Engine) ProposeMove(id domain.UnitID, x, y int) error {
	e.mu.Lock()
	u, ok := e.units[id]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownUnit
	}
	if !e.canMove(u) {
		e.mu.Unlock()
		return ErrNotPermitted
	}
	sx := e.grid.clampX(e.grid.Snap(x))
	sy := e.grid.clampY(e.grid.Snap(y))
	e.pending[id] = PendingMove{UnitID: id, X: sx, Y: sy, At: time.Now()}
	e.mu.Unlock()

	payload := struct {
		UnitID domain.UnitID `json:"unitId"`
		X      int           `json:"x"`
		Y      int           `json:"y"`
		RoomID domain.RoomID `json:"roomId"`
	}{UnitID: id, X: sx, Y: sy, RoomID: e.roomID}
	if err := e.ch.Emit(evMoveUnit, payload); err != nil {
		// No broadcast will follow a dropped intent, so the drag preview
		// has to be unwound here as well.
		e.mu.Lock()
		delete(e.pending, id)
		if ov, ok := e.overlays[id]; ok {
			ov.dragging = false
		}
		e.mu.Unlock()
		return err
	}
	return nil
}

// CreateUnit emits a GM-only creation intent. The unit appears locally only
// when the server acknowledges it.
func (e *Engine) CreateUnit(name string, x, y int, kind domain.UnitKind, characterID string) error {
	if !e.actor.GM {
		return ErrNotPermitted
	}
	payload := struct {
		RoomID      domain.RoomID   `json:"roomId"`
		Name        string          `json:"name"`
		X           int             `json:"x"`
		Y           int             `json:"y"`
		Type        domain.UnitKind `json:"type"`
		CharacterID string          `json:"characterId,omitempty"`
	}{
		RoomID:      e.roomID,
		Name:        name,
		X:           e.grid.clampX(e.grid.Snap(x)),
		Y:           e.grid.clampY(e.grid.Snap(y)),
		Type:        kind,
		CharacterID: characterID,
	}
	return e.ch.Emit(evCreateUnit, payload)
}

// Units returns the merged authoritative+overlay views, ordered by id.
func (e *Engine) Units() []View {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]View, 0, len(e.units))
	for id, u := range e.units {
		out = append(out, e.view(id, u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) Unit(id domain.UnitID) (View, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.units[id]
	if !ok {
		return View{}, false
	}
	return e.view(id, u), true
}

func (e *Engine) view(id domain.UnitID, u domain.Unit) View {
	v := View{Unit: u}
	if ov, ok := e.overlays[id]; ok {
		v.Selected = ov.selected
		v.Dragging = ov.dragging
		if ov.dragging {
			v.X = ov.dragX
			v.Y = ov.dragY
		}
	}
	return v
}

func (e *Engine) Loading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

// LoadError reports the retryable snapshot failure, if any.
func (e *Engine) LoadError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadErr
}

// Notice reports the transient server validation notice, if one is active.
func (e *Engine) Notice() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.notice, e.notice != ""
}

func (e *Engine) PendingMoves() []PendingMove {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PendingMove, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, p)
	}
	return out
}

func (e *Engine) overlayFor(id domain.UnitID) *overlay {
	ov, ok := e.overlays[id]
	if !ok {
		ov = &overlay{}
		e.overlays[id] = ov
	}
	return ov
}

func (e *Engine) onSnapshot(data json.RawMessage) {
	var p struct {
		RoomID domain.RoomID `json:"roomId"`
		Units  []domain.Unit `json:"units"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		e.log.Error().Err(err).Msg("bad snapshot payload")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if p.RoomID != e.roomID {
		// Late response for a room we already left; never merge it.
		e.log.Warn().Str("stale_room", string(p.RoomID)).Msg("discarding stale snapshot")
		return
	}
	if e.snapTimer != nil {
		e.snapTimer.Stop()
		e.snapTimer = nil
	}
	e.loading = false
	e.loadErr = nil

	// Full replace, no partial merge.
	e.units = make(map[domain.UnitID]domain.Unit, len(p.Units))
	for _, u := range p.Units {
		e.units[u.ID] = u
	}
	e.overlays = make(map[domain.UnitID]*overlay)
	e.pending = make(map[domain.UnitID]PendingMove)
	e.log.Info().Int("count", len(p.Units)).Msg("snapshot applied")
}

func (e *Engine) onMoved(data json.RawMessage) {
	var p struct {
		UnitID  domain.UnitID `json:"unitId"`
		X       int           `json:"x"`
		Y       int           `json:"y"`
		MovedBy domain.UserID `json:"movedBy"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		e.log.Error().Err(err).Msg("bad move payload")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.units[p.UnitID]
	if !ok {
		// Broadcast raced ahead of the snapshot; adopt it as a create.
		u = domain.Unit{ID: p.UnitID, RoomID: e.roomID}
	}
	u.X = p.X
	u.Y = p.Y
	e.units[p.UnitID] = u
	if ov, ok := e.overlays[p.UnitID]; ok {
		ov.dragging = false
	}
	delete(e.pending, p.UnitID)
}

func (e *Engine) onCreated(data json.RawMessage) {
	var p struct {
		Unit domain.Unit `json:"unit"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		e.log.Error().Err(err).Msg("bad create payload")
		return
	}
	e.insert(p.Unit)
}

// onCreateAck handles the creator-directed acknowledgment; the creator may
// receive both this and the room broadcast for one creation.
func (e *Engine) onCreateAck(data json.RawMessage) {
	var p struct {
		Unit domain.Unit `json:"unit"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		e.log.Error().Err(err).Msg("bad create ack payload")
		return
	}
	e.insert(p.Unit)
}

// insert is idempotent keyed by unit id; the second arrival is a no-op.
func (e *Engine) insert(u domain.Unit) {
	if u.ID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.units[u.ID]; exists {
		return
	}
	e.units[u.ID] = u
	e.log.Info().Str("unit", string(u.ID)).Str("name", u.Name).Msg("unit inserted")
}

func (e *Engine) onError(data json.RawMessage) {
	var p struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		e.log.Error().Err(err).Msg("bad error payload")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.notice = p.Message
	e.loading = false
	if e.noticeTimer != nil {
		e.noticeTimer.Stop()
	}
	e.noticeTimer = time.AfterFunc(e.cfg.NoticeTTL, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.closed {
			e.notice = ""
		}
	})
	e.log.Warn().Str("field", p.Field).Str("message", p.Message).Msg("unit intent rejected")
}
