package chat

import (
	"context"
	"sync"

	"charchat/internal/logging"
)

// KnowledgeStore owns the paginated list of knowledge entries for the
// active character. Follows the same cursor latch rule as the other lists.
type KnowledgeStore struct {
	mu      sync.Mutex
	backend Backend
	app     *AppContext
	log     *logging.Logger

	characterID string
	entries     []Knowledge
	cursor      PageCursor
	loading     bool
}

// NewKnowledgeStore creates a knowledge store.
func NewKnowledgeStore(app *AppContext, backend Backend, pageSize int, log *logging.Logger) *KnowledgeStore {
	if log == nil {
		log = logging.Nop()
	}
	return &KnowledgeStore{
		backend: backend,
		app:     app,
		log:     log,
		cursor:  NewPageCursor(pageSize),
	}
}

// SetCharacter rescopes the store to a character, dropping local entries.
func (k *KnowledgeStore) SetCharacter(characterID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.characterID = characterID
	k.entries = nil
	k.cursor = NewPageCursor(k.cursor.PageSize)
	k.loading = false
}

// LoadMore fetches the next page of knowledge entries and appends it.
// No-op while a load is outstanding or after the cursor reached the end.
func (k *KnowledgeStore) LoadMore(ctx context.Context) (int, error) {
	k.mu.Lock()
	if k.loading || k.cursor.ReachedEnd {
		k.mu.Unlock()
		return 0, nil
	}
	k.loading = true
	q := KnowledgeQuery{
		CharacterID: k.characterID,
		Page:        k.cursor.Page,
		PageSize:    k.cursor.PageSize,
	}
	k.mu.Unlock()

	page, err := k.backend.ListKnowledge(ctx, q)

	k.mu.Lock()
	defer k.mu.Unlock()
	k.loading = false

	if k.characterID != q.CharacterID {
		return 0, nil
	}
	if err != nil {
		return 0, ClassifyErr(err, k.app.Identity().Authenticated)
	}

	k.entries = append(k.entries, page...)
	k.cursor.Observe(len(page))
	k.log.Debug("knowledge page loaded",
		"character_id", q.CharacterID, "page", q.Page, "count", len(page))
	return len(page), nil
}

// Entries returns a copy of the loaded knowledge entries.
func (k *KnowledgeStore) Entries() []Knowledge {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]Knowledge, len(k.entries))
	copy(out, k.entries)
	return out
}

// Cursor returns the current pagination state.
func (k *KnowledgeStore) Cursor() PageCursor {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cursor
}
