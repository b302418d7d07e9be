package feed

import "github.com/Nick67672/Gymsta/internal/domain"

type opKind string

const (
	opLike   opKind = "like"
	opUnlike opKind = "unlike"
)

// pendingOp is an optimistic mutation awaiting the gateway.
type pendingOp struct {
	id     string
	kind   opKind
	postID string
	userID string

	// placeholderID is the synthetic like id shown while a like is in flight.
	placeholderID string
	// removed holds the likes an unlike took out of local state.
	removed []domain.Like
	// cancelled marks a like overtaken by an unlike of the same user.
	cancelled bool
}

func (op *pendingOp) placeholder() domain.Like {
	return domain.Like{ID: op.placeholderID, UserID: op.userID, PostID: op.postID, Pending: true}
}

// pendingLog keys in-flight operations by their client-generated id.
type pendingLog struct {
	ops   map[string]*pendingOp
	order []string
}

func newPendingLog() *pendingLog {
	return &pendingLog{ops: make(map[string]*pendingOp)}
}

func (l *pendingLog) add(op *pendingOp) {
	l.ops[op.id] = op
	l.order = append(l.order, op.id)
}

func (l *pendingLog) remove(id string) *pendingOp {
	op, ok := l.ops[id]
	if !ok {
		return nil
	}
	delete(l.ops, id)
	for i, existing := range l.order {
		if existing == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return op
}

func (l *pendingLog) len() int { return len(l.ops) }

// find returns the first live operation of kind on (postID, userID).
func (l *pendingLog) find(kind opKind, postID, userID string) *pendingOp {
	for _, id := range l.order {
		op := l.ops[id]
		if op.kind == kind && op.postID == postID && op.userID == userID && !op.cancelled {
			return op
		}
	}
	return nil
}

func (l *pendingLog) each(fn func(*pendingOp)) {
	for _, id := range l.order {
		fn(l.ops[id])
	}
}

// reapply replays still-pending operations onto freshly loaded posts.
func (l *pendingLog) reapply(store *postStore) {
	l.each(func(op *pendingOp) {
		switch op.kind {
		case opLike:
			if op.cancelled {
				return
			}
			if p, ok := store.get(op.postID); ok && !p.LikedBy(op.userID) {
				store.upsertLike(op.placeholder())
			}
		case opUnlike:
			store.removeUserLikes(op.postID, op.userID)
		}
	})
}
