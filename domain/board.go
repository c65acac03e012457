package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Column is one stage of a layout with its tasks in display order.
type Column struct {
	Stage   string   `json:"stage"`
	TaskIDs []string `json:"tasks"`
}

// Layout is a full or partial board arrangement. It is a slice rather than a
// map so the caller's stage order is kept.
type Layout []Column

// Move is the placement assigned to one task reference. Applied is false when
// the task does not belong to the project.
type Move struct {
	TaskID  string `json:"_id"`
	Stage   string `json:"stage"`
	Order   int    `json:"order"`
	Applied bool   `json:"applied"`
}

// Moves flattens the layout into per-task placements in caller order. Each
// task gets its zero based position within its stage. Columns repeating a
// stage name continue that stage's numbering so no two placements in one
// stage share an order.
func (l Layout) Moves() ([]Move, error) {
	next := make(map[string]int, len(l))
	var moves []Move
	for ci, col := range l {
		if strings.TrimSpace(col.Stage) == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("layout[%d].stage", ci), Message: "is required"}
		}
		for ti, id := range col.TaskIDs {
			if id == "" {
				return nil, &ValidationError{Field: fmt.Sprintf("layout[%d].tasks[%d]", ci, ti), Message: "is required"}
			}
			moves = append(moves, Move{TaskID: id, Stage: col.Stage, Order: next[col.Stage]})
			next[col.Stage]++
		}
	}
	return moves, nil
}

// BoardEngine reassigns stage and order for many tasks in one call.
type BoardEngine struct {
	core
}

// ApplyLayout writes every placement of layout in caller order. References to
// tasks outside the project are skipped and reported with Applied=false. A task
// listed more than once ends up with its last placement. Tasks already in a
// stage the layout places into, but not named by it, keep their relative order
// and are renumbered after the placed ones.
//
// In LayoutAtomic mode all placements land in one conditional write. In
// LayoutPerTask mode each placement is its own write, so concurrent creates or
// deletes may observe a partially applied layout; when ctx is cancelled or the
// store fails the placements written so far stay in place and are returned
// together with the error.
func (b *BoardEngine) ApplyLayout(ctx context.Context, projectID string, layout Layout) ([]Move, error) {
	moves, err := layout.Moves()
	if err != nil {
		return nil, err
	}
	if len(moves) == 0 {
		return []Move{}, nil
	}
	if b.opts.LayoutMode == LayoutPerTask {
		moves, err = b.applyPerTask(ctx, projectID, moves)
	} else {
		err = b.applyAtomic(ctx, projectID, moves)
	}
	if applied := countApplied(moves); applied > 0 {
		b.emit(projectID, LayoutApplied, append([]Move(nil), moves...))
		b.opts.Logger.WithFields(log.Fields{"project": projectID, "moves": len(moves), "applied": applied, "mode": b.opts.LayoutMode}).Debug("layout applied")
	}
	return moves, err
}

func (b *BoardEngine) applyAtomic(ctx context.Context, projectID string, moves []Move) error {
	_, _, err := b.mutate(ctx, "apply layout", projectID, func(p *Project) (bool, error) {
		changed := false
		for i := range moves {
			matched, modified := place(p, moves[i])
			moves[i].Applied = matched
			changed = changed || modified
		}
		for stage, placed := range placedByStage(moves) {
			if settleStage(p, stage, placed) {
				changed = true
			}
		}
		return changed, nil
	})
	if err != nil {
		for i := range moves {
			moves[i].Applied = false
		}
	}
	return err
}

func (b *BoardEngine) applyPerTask(ctx context.Context, projectID string, moves []Move) ([]Move, error) {
	if _, err := b.store.GetProject(ctx, projectID); err != nil {
		return []Move{}, storeErr("apply layout", projectID, err)
	}
	for i := range moves {
		if err := ctx.Err(); err != nil {
			return moves[:i], &StoreError{Op: "apply layout", Err: err}
		}
		mv := moves[i]
		_, _, err := b.mutate(ctx, "apply layout", projectID, func(p *Project) (bool, error) {
			matched, modified := place(p, mv)
			moves[i].Applied = matched
			if matched && settleStage(p, mv.Stage, placedByStage(moves[:i+1])[mv.Stage]) {
				modified = true
			}
			return modified, nil
		})
		if err != nil {
			// The project was deleted mid-layout; the remaining moves miss.
			var nf *NotFoundError
			if errors.As(err, &nf) {
				moves[i].Applied = false
				continue
			}
			moves[i].Applied = false
			return moves[:i], err
		}
	}
	return moves, nil
}

// place applies one move to p. It reports whether the task exists and whether
// anything changed.
func place(p *Project, mv Move) (matched, modified bool) {
	i := p.taskPos(mv.TaskID)
	if i < 0 {
		return false, false
	}
	if !p.hasStage(mv.Stage) {
		p.Stages = append(p.Stages, mv.Stage)
		modified = true
	}
	t := &p.Tasks[i]
	if t.Stage != mv.Stage || t.Order != mv.Order {
		t.Stage = mv.Stage
		t.Order = mv.Order
		modified = true
	}
	return true, modified
}

// placedByStage maps each stage to the tasks whose last applied move lands
// in it.
func placedByStage(moves []Move) map[string]map[string]bool {
	last := make(map[string]string, len(moves))
	for _, mv := range moves {
		if mv.Applied {
			last[mv.TaskID] = mv.Stage
		}
	}
	out := make(map[string]map[string]bool)
	for id, stage := range last {
		if out[stage] == nil {
			out[stage] = make(map[string]bool)
		}
		out[stage][id] = true
	}
	return out
}

// settleStage renumbers the tasks of stage that are not in placed so they
// follow the highest placed order, keeping their previous relative order.
func settleStage(p *Project, stage string, placed map[string]bool) bool {
	next := 0
	var rest []int
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if t.Stage != stage {
			continue
		}
		if placed[t.ID] {
			if t.Order >= next {
				next = t.Order + 1
			}
			continue
		}
		rest = append(rest, i)
	}
	sort.SliceStable(rest, func(a, b int) bool {
		ta, tb := p.Tasks[rest[a]], p.Tasks[rest[b]]
		if ta.Order != tb.Order {
			return ta.Order < tb.Order
		}
		return ta.Index < tb.Index
	})
	modified := false
	for _, i := range rest {
		if p.Tasks[i].Order != next {
			p.Tasks[i].Order = next
			modified = true
		}
		next++
	}
	return modified
}

func countApplied(moves []Move) int {
	n := 0
	for _, mv := range moves {
		if mv.Applied {
			n++
		}
	}
	return n
}
