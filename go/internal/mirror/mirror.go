// Package mirror keeps a client's local copy of a session canvas: the
// confirmed state the server has acknowledged plus a queue of optimistic
// local edits awaiting confirmation. Reconciliation is a function of the
// mirror and the incoming message only; it knows nothing about transports.
package mirror

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/newsch/collascii-go/go/internal/canvas"
	"github.com/newsch/collascii-go/go/internal/models"
)

// Mirror is one client's view of a session. It is not safe for concurrent
// use; the owning connection drives it from a single goroutine.
type Mirror struct {
	clientID  string
	confirmed *canvas.Canvas
	asOf      uint64
	pending   []pendingEdit
	nextLocal uint64
}

// pendingEdit is one optimistic local edit. displaced marks an edit whose
// optimistic value lost the race against a broadcast for the same cell; it
// stays queued until its ack so the mirror can still converge on whatever
// the server decided, but it is no longer drawn.
type pendingEdit struct {
	localSeq  uint64
	pos       models.Coord
	ch        rune
	displaced bool
}

// New builds a mirror for clientID from a join snapshot.
func New(clientID string, snap models.CanvasSnapshot) (*Mirror, error) {
	cv, err := canvas.FromSnapshot(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to build mirror canvas: %w", err)
	}
	return &Mirror{
		clientID:  clientID,
		confirmed: cv,
		asOf:      snap.AsOfSeq,
	}, nil
}

// ClientID returns the id the mirror stages edits under.
func (m *Mirror) ClientID() string { return m.clientID }

// Stage applies a local edit optimistically and enqueues it. The returned
// edit carries the local sequence number the server's ack will echo.
// Out-of-bounds edits fail here and are never sent.
func (m *Mirror) Stage(sessionID uuid.UUID, pos models.Coord, ch rune) (models.Edit, error) {
	if _, err := m.confirmed.Get(pos); err != nil {
		return models.Edit{}, err
	}
	m.nextLocal++
	m.pending = append(m.pending, pendingEdit{localSeq: m.nextLocal, pos: pos, ch: ch})
	return models.Edit{
		SessionID: sessionID,
		ClientID:  m.clientID,
		Pos:       pos,
		Ch:        ch,
		LocalSeq:  m.nextLocal,
	}, nil
}

// OnAck confirms the pending edit the server stamped and folds it into the
// confirmed state. Acks for edits no longer queued are applied under stamp
// dominance anyway, which makes duplicate delivery a no-op.
func (m *Mirror) OnAck(localSeq uint64, stamp models.Stamp) {
	if i, ok := m.findPending(localSeq); ok {
		p := m.pending[i]
		m.removePending(i)
		m.apply(p.pos, p.ch, stamp)
	}
}

// OnReject drops a pending edit the server refused. When the rejection
// carries the authoritative cell, it is folded in so the optimistic value
// visibly reverts.
func (m *Mirror) OnReject(localSeq uint64, pos models.Coord, authoritative *models.Cell) {
	if i, ok := m.findPending(localSeq); ok {
		m.removePending(i)
	}
	if authoritative != nil {
		m.apply(pos, authoritative.Ch, authoritative.Stamp)
	}
}

// OnUpdate reconciles one broadcast update:
//
//   - an update stamped by this client confirms the oldest pending edit on
//     that cell;
//   - an update from another client that hits a cell with a pending edit
//     displaces the optimistic value (the pending edit stops being drawn
//     and waits for its ack);
//   - otherwise the update is applied directly.
//
// Every path goes through stamp dominance, so replaying an update is a
// no-op.
func (m *Mirror) OnUpdate(ev models.UpdateEvent) {
	if ev.Cell.Stamp.ClientID == m.clientID {
		if i, ok := m.oldestPendingAt(ev.Pos); ok {
			m.removePending(i)
		}
	} else {
		if i, ok := m.oldestPendingAt(ev.Pos); ok {
			m.pending[i].displaced = true
		}
	}
	m.apply(ev.Pos, ev.Cell.Ch, ev.Cell.Stamp)
}

// ApplySnapshot resets the confirmed state and replays the pending queue
// in submission order on top of it.
func (m *Mirror) ApplySnapshot(snap models.CanvasSnapshot) error {
	cv, err := canvas.FromSnapshot(snap)
	if err != nil {
		return fmt.Errorf("failed to rebuild mirror canvas: %w", err)
	}
	m.confirmed = cv
	m.asOf = snap.AsOfSeq
	kept := m.pending[:0]
	for _, p := range m.pending {
		if !m.confirmed.Contains(p.pos) {
			continue
		}
		kept = append(kept, p)
	}
	m.pending = kept
	return nil
}

// Pending returns the edits still awaiting an ack, oldest first, with
// displaced ones excluded. A reconnecting client resubmits exactly these.
func (m *Mirror) Pending() []models.Edit {
	var out []models.Edit
	for _, p := range m.pending {
		if p.displaced {
			continue
		}
		out = append(out, models.Edit{
			ClientID: m.clientID,
			Pos:      p.pos,
			Ch:       p.ch,
			LocalSeq: p.localSeq,
		})
	}
	return out
}

// PendingCount reports how many edits await confirmation, displaced ones
// included.
func (m *Mirror) PendingCount() int { return len(m.pending) }

// View renders the mirror: the confirmed canvas with the optimistic edits
// replayed on top in submission order. Displaced edits are not drawn.
func (m *Mirror) View() models.CanvasSnapshot {
	snap := m.confirmed.Snapshot(m.asOf)
	for _, p := range m.pending {
		if p.displaced {
			continue
		}
		snap.Cells[p.pos.Y*snap.Width+p.pos.X].Ch = p.ch
	}
	return snap
}

// Cell returns the rendered cell at pos.
func (m *Mirror) Cell(pos models.Coord) (models.Cell, error) {
	cell, err := m.confirmed.Get(pos)
	if err != nil {
		return models.Cell{}, err
	}
	for _, p := range m.pending {
		if p.displaced || p.pos != pos {
			continue
		}
		cell.Ch = p.ch
	}
	return cell, nil
}

func (m *Mirror) apply(pos models.Coord, ch rune, stamp models.Stamp) {
	outcome, err := m.confirmed.TryApply(pos, ch, stamp)
	if err != nil {
		return
	}
	if outcome == models.ApplyApplied && stamp.Seq > m.asOf {
		m.asOf = stamp.Seq
	}
}

func (m *Mirror) findPending(localSeq uint64) (int, bool) {
	for i, p := range m.pending {
		if p.localSeq == localSeq {
			return i, true
		}
	}
	return 0, false
}

func (m *Mirror) oldestPendingAt(pos models.Coord) (int, bool) {
	for i, p := range m.pending {
		if p.pos == pos {
			return i, true
		}
	}
	return 0, false
}

func (m *Mirror) removePending(i int) {
	m.pending = append(m.pending[:i], m.pending[i+1:]...)
}
