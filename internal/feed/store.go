package feed

import "github.com/Nick67672/Gymsta/internal/domain"

// postStore holds posts newest-first with an id index and a like index.
type postStore struct {
	order []string
	byID  map[string]*domain.Post
	likes map[string]string // like id -> post id
}

func newPostStore(posts []domain.Post) *postStore {
	s := &postStore{
		order: make([]string, 0, len(posts)),
		byID:  make(map[string]*domain.Post, len(posts)),
		likes: make(map[string]string),
	}
	for _, p := range posts {
		if _, dup := s.byID[p.ID]; dup {
			continue
		}
		post := p.Clone()
		s.order = append(s.order, post.ID)
		s.byID[post.ID] = &post
		s.indexLikes(&post)
	}
	return s
}

func (s *postStore) indexLikes(p *domain.Post) {
	for _, like := range p.Likes {
		s.likes[like.ID] = p.ID
	}
}

func (s *postStore) unindexLikes(p *domain.Post) {
	for _, like := range p.Likes {
		if s.likes[like.ID] == p.ID {
			delete(s.likes, like.ID)
		}
	}
}

func (s *postStore) len() int { return len(s.order) }

func (s *postStore) get(id string) (*domain.Post, bool) {
	p, ok := s.byID[id]
	return p, ok
}

func (s *postStore) snapshot() []domain.Post {
	out := make([]domain.Post, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

// prepend inserts p at the head. An existing post with the same id is replaced
// in place and false is returned.
func (s *postStore) prepend(p domain.Post) bool {
	post := p.Clone()
	if existing, ok := s.byID[post.ID]; ok {
		s.unindexLikes(existing)
		*existing = post
		s.indexLikes(existing)
		return false
	}
	s.order = append([]string{post.ID}, s.order...)
	s.byID[post.ID] = &post
	s.indexLikes(&post)
	return true
}

// removeOwners drops every post owned by a profile in owners.
func (s *postStore) removeOwners(owners map[string]struct{}) int {
	kept := s.order[:0]
	removed := 0
	for _, id := range s.order {
		p := s.byID[id]
		if _, blocked := owners[p.Owner.ID]; blocked {
			s.unindexLikes(p)
			delete(s.byID, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed
}

// upsertLike adds or replaces a like by id. It reports false when the post is not held.
func (s *postStore) upsertLike(like domain.Like) bool {
	if prev, ok := s.likes[like.ID]; ok && prev != like.PostID {
		s.removeLike(like.ID)
	}
	p, ok := s.byID[like.PostID]
	if !ok {
		return false
	}
	for i := range p.Likes {
		if p.Likes[i].ID == like.ID {
			p.Likes[i] = like
			return true
		}
	}
	p.Likes = append(p.Likes, like)
	s.likes[like.ID] = p.ID
	return true
}

// removeLike deletes a like by id wherever it is held.
func (s *postStore) removeLike(likeID string) (domain.Like, bool) {
	postID, ok := s.likes[likeID]
	if !ok {
		return domain.Like{}, false
	}
	delete(s.likes, likeID)
	p, ok := s.byID[postID]
	if !ok {
		return domain.Like{}, false
	}
	for i, like := range p.Likes {
		if like.ID == likeID {
			p.Likes = append(p.Likes[:i:i], p.Likes[i+1:]...)
			return like, true
		}
	}
	return domain.Like{}, false
}

// removeUserLikes deletes every like of userID on postID and returns them.
func (s *postStore) removeUserLikes(postID, userID string) []domain.Like {
	p, ok := s.byID[postID]
	if !ok {
		return nil
	}
	var removed []domain.Like
	kept := make([]domain.Like, 0, len(p.Likes))
	for _, like := range p.Likes {
		if like.UserID == userID {
			removed = append(removed, like)
			delete(s.likes, like.ID)
			continue
		}
		kept = append(kept, like)
	}
	p.Likes = kept
	return removed
}

func (s *postStore) setFlagged(postID string) {
	if p, ok := s.byID[postID]; ok {
		p.Flagged = true
	}
}
