package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shashanking/cvs-cms/internal/ledger"
)

// Feed is the push side of the ledger's change feed.
type Feed interface {
	Subscribe(projectID string) (<-chan ledger.ChangeEvent, func())
}

// ChatStore is the slice of the ledger the reconciler needs for the
// optimistic chat timeline.
type ChatStore interface {
	PostChat(req ledger.ChatRequest) (ledger.ChatMessage, error)
	ChatMessages(projectID string) []ledger.ChatMessage
}

type ReconcilerOptions struct {
	Interval time.Duration
}

// LocalMessage is a chat timeline entry. Pending marks a locally
// originated message that the store has not confirmed yet; the echoed
// change event replaces it in place by idempotency key, never as a
// second entry.
type LocalMessage struct {
	ledger.ChatMessage
	Pending bool `json:"pending,omitempty"`
}

// Reconciler bridges the push feed into an in-memory per-scope view.
// Push events are applied as they arrive for latency; the periodic full
// aggregation is authoritative and supersedes anything the pushes got
// wrong. Results that arrive after a scope switch are discarded by
// token.
type Reconciler struct {
	agg      *Aggregator
	feed     Feed
	chats    ChatStore
	viewer   string
	interval time.Duration

	mu        sync.Mutex
	scope     Scope
	view      NotificationList
	chat      []LocalMessage
	pending   map[string]int
	events    <-chan ledger.ChangeEvent
	cancelSub func()

	refreshCh chan string
	closed    chan struct{}
	closeOnce sync.Once
}

func NewReconciler(agg *Aggregator, feed Feed, chats ChatStore, viewer string, opts ReconcilerOptions) *Reconciler {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	r := &Reconciler{
		agg:       agg,
		feed:      feed,
		chats:     chats,
		viewer:    viewer,
		interval:  interval,
		pending:   map[string]int{},
		refreshCh: make(chan string, 8),
		closed:    make(chan struct{}),
	}
	return r
}

func (r *Reconciler) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.mu.Lock()
		if r.cancelSub != nil {
			r.cancelSub()
			r.cancelSub = nil
			r.events = nil
		}
		r.mu.Unlock()
	})
}

// SwitchScope tears down the old subscription, discards optimistic
// state, and subscribes for the new scope before any result for it can
// be installed. The returned scope carries the token that gates every
// later install.
func (r *Reconciler) SwitchScope(projectID string) Scope {
	scope := NewScope(projectID)

	r.mu.Lock()
	if r.cancelSub != nil {
		r.cancelSub()
		r.cancelSub = nil
		r.events = nil
	}
	r.scope = scope
	r.view = NotificationList{}
	r.chat = nil
	r.pending = map[string]int{}
	ch, cancel := r.feed.Subscribe(projectID)
	r.events = ch
	r.cancelSub = cancel
	r.mu.Unlock()

	r.requestRefresh(scope.Token)
	return scope
}

// Run drives push consumption and periodic reconciliation until the
// context ends or Close is called.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		events := r.eventsChan()
		select {
		case <-ctx.Done():
			return
		case <-r.closed:
			return
		case <-ticker.C:
			r.reconcile(r.currentToken())
		case token := <-r.refreshCh:
			r.reconcile(token)
		case event, ok := <-events:
			if !ok {
				r.detachEvents(events)
				continue
			}
			r.Apply(event)
		}
	}
}

func (r *Reconciler) eventsChan() <-chan ledger.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events
}

func (r *Reconciler) detachEvents(ch <-chan ledger.ChangeEvent) {
	r.mu.Lock()
	if r.events == ch {
		r.events = nil
	}
	r.mu.Unlock()
}

func (r *Reconciler) currentToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scope.Token
}

func (r *Reconciler) requestRefresh(token string) {
	select {
	case r.refreshCh <- token:
	default:
	}
}

// Snapshot returns copies of the current notification view and chat
// timeline.
func (r *Reconciler) Snapshot() (NotificationList, []LocalMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	view := r.view
	view.Uploads = append([]UploadNotice(nil), r.view.Uploads...)
	view.Events = append([]ledger.EventNotice(nil), r.view.Events...)
	view.Mentions = append([]ledger.ChatMention(nil), r.view.Mentions...)
	chat := append([]LocalMessage(nil), r.chat...)
	return view, chat
}

// reconcile runs one authoritative full aggregation for the given
// scope token. A result whose token no longer matches the live scope is
// dropped on the floor; the viewer already moved on.
func (r *Reconciler) reconcile(token string) {
	r.mu.Lock()
	if token == "" || token != r.scope.Token {
		r.mu.Unlock()
		return
	}
	viewer := r.viewer
	scope := r.scope
	r.mu.Unlock()

	list, err := r.agg.Aggregate(viewer, scope)
	if err != nil {
		// Retryable: the next tick or push event tries again.
		return
	}
	var confirmed []ledger.ChatMessage
	if r.chats != nil && scope.ProjectID != "" {
		confirmed = r.chats.ChatMessages(scope.ProjectID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if scope.Token != r.scope.Token {
		return
	}
	r.view = list
	if confirmed != nil {
		r.installChatLocked(confirmed)
	}
}

// installChatLocked rebuilds the timeline from store-confirmed messages
// and re-appends placeholders the store has not echoed yet.
func (r *Reconciler) installChatLocked(confirmed []ledger.ChatMessage) {
	echoed := map[string]bool{}
	timeline := make([]LocalMessage, 0, len(confirmed))
	for _, message := range confirmed {
		timeline = append(timeline, LocalMessage{ChatMessage: message})
		if message.IdempotencyKey != "" {
			echoed[message.IdempotencyKey] = true
		}
	}
	for _, entry := range r.chat {
		if !entry.Pending || echoed[entry.IdempotencyKey] {
			continue
		}
		timeline = append(timeline, entry)
	}
	r.chat = timeline
	r.pending = map[string]int{}
	for i, entry := range r.chat {
		if entry.Pending {
			r.pending[entry.IdempotencyKey] = i
		}
	}
}

// PostChat appends an optimistic placeholder, then writes through the
// store. The store reply (or its echoed change event, whichever lands
// first) confirms the placeholder in place.
func (r *Reconciler) PostChat(message string) (LocalMessage, error) {
	r.mu.Lock()
	scope := r.scope
	r.mu.Unlock()
	if scope.ProjectID == "" || r.chats == nil {
		return LocalMessage{}, ledger.ErrInvalidInput
	}
	key := uuid.NewString()
	placeholder := LocalMessage{
		ChatMessage: ledger.ChatMessage{
			ProjectID:      scope.ProjectID,
			Username:       r.viewer,
			Message:        message,
			CreatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
			IdempotencyKey: key,
		},
		Pending: true,
	}
	r.mu.Lock()
	if scope.Token != r.scope.Token {
		r.mu.Unlock()
		return LocalMessage{}, ledger.ErrStaleScope
	}
	r.chat = append(r.chat, placeholder)
	r.pending[key] = len(r.chat) - 1
	r.mu.Unlock()

	confirmed, err := r.chats.PostChat(ledger.ChatRequest{
		ProjectID:      scope.ProjectID,
		Username:       r.viewer,
		Message:        message,
		IdempotencyKey: key,
	})
	if err != nil {
		// The store never accepted the write, so the placeholder comes
		// straight back out. The caller decides whether to retry.
		r.mu.Lock()
		r.dropPlaceholderLocked(key)
		r.mu.Unlock()
		return LocalMessage{}, err
	}
	r.mu.Lock()
	r.confirmPlaceholderLocked(key, confirmed)
	entry := placeholder
	if idx, ok := r.indexOfMessageLocked(confirmed.ID); ok {
		entry = r.chat[idx]
	}
	r.mu.Unlock()
	return entry, nil
}

func (r *Reconciler) dropPlaceholderLocked(key string) {
	idx, ok := r.pending[key]
	if !ok || idx >= len(r.chat) {
		return
	}
	r.chat = append(r.chat[:idx], r.chat[idx+1:]...)
	delete(r.pending, key)
	for k, i := range r.pending {
		if i > idx {
			r.pending[k] = i - 1
		}
	}
}

func (r *Reconciler) confirmPlaceholderLocked(key string, confirmed ledger.ChatMessage) {
	idx, ok := r.pending[key]
	if !ok || idx >= len(r.chat) {
		return
	}
	r.chat[idx] = LocalMessage{ChatMessage: confirmed}
	delete(r.pending, key)
}

func (r *Reconciler) indexOfMessageLocked(messageID string) (int, bool) {
	for i := range r.chat {
		if r.chat[i].ID == messageID {
			return i, true
		}
	}
	return 0, false
}

// MarkEventRead applies the acknowledgement to the local view first so
// the badge updates without waiting for the store round trip, then
// writes through. The periodic reconciliation corrects any divergence.
func (r *Reconciler) MarkEventRead(projectID, eventID string) error {
	now := r.agg.cfg.Now()
	r.mu.Lock()
	counted := false
	for i := range r.view.Events {
		notice := &r.view.Events[i]
		if notice.ProjectID == projectID && notice.EventID == eventID && !notice.Read {
			// A past-event notice never contributed to the badge, so
			// flipping it read must not decrement.
			if noticeUnread(*notice, now) {
				counted = true
			}
			notice.Read = true
		}
	}
	if counted && r.view.UnreadCount > 0 {
		r.view.UnreadCount--
	}
	r.mu.Unlock()
	return r.agg.MarkEventRead(projectID, eventID, r.viewer)
}

func (r *Reconciler) MarkMentionRead(mentionID string) error {
	r.mu.Lock()
	kept := r.view.Mentions[:0]
	removed := false
	for _, mention := range r.view.Mentions {
		if mention.ID == mentionID {
			removed = true
			continue
		}
		kept = append(kept, mention)
	}
	r.view.Mentions = kept
	if removed && r.view.UnreadCount > 0 {
		r.view.UnreadCount--
	}
	r.mu.Unlock()
	return r.agg.MarkMentionRead(mentionID)
}

// Apply merges one push event into the local view. Events the view can
// absorb directly are applied in place; everything else schedules a
// token-scoped refresh, which is the explicit refetch-on-push
// reconciliation strategy.
func (r *Reconciler) Apply(event ledger.ChangeEvent) {
	r.mu.Lock()
	scope := r.scope
	if scope.ProjectID != "" && event.ProjectID != scope.ProjectID {
		r.mu.Unlock()
		return
	}
	switch event.Kind {
	case ledger.ChangeUploadRecorded:
		if event.Actor != r.viewer && !r.hasUploadLocked(event.ProjectID, event.Subject) {
			r.view.Uploads = append([]UploadNotice{{
				ProjectID:  event.ProjectID,
				Folder:     event.Folder,
				FileName:   event.Subject,
				UploadedBy: event.Actor,
				UploadedAt: event.Timestamp,
			}}, r.view.Uploads...)
			r.view.UnreadCount++
		}
		r.mu.Unlock()
		return
	case ledger.ChangePreviewRecorded, ledger.ChangeDownloadRecorded:
		if event.Actor == r.viewer {
			r.dropUploadLocked(event.ProjectID, event.Subject)
		}
		r.mu.Unlock()
		return
	case ledger.ChangeDeleteRecorded:
		r.dropUploadLocked(event.ProjectID, event.Subject)
		r.mu.Unlock()
		return
	case ledger.ChangeFolderDeleted:
		r.dropFolderUploadsLocked(event.ProjectID, event.Folder)
		r.mu.Unlock()
		return
	case ledger.ChangeChatPosted:
		if event.IdempotencyKey != "" {
			if idx, ok := r.pending[event.IdempotencyKey]; ok && idx < len(r.chat) {
				r.chat[idx].ID = event.Subject
				r.chat[idx].Pending = false
				delete(r.pending, event.IdempotencyKey)
				r.mu.Unlock()
				return
			}
			if _, ok := r.indexOfMessageLocked(event.Subject); ok {
				r.mu.Unlock()
				return
			}
		}
	case ledger.ChangeEventRead, ledger.ChangeMentionRead:
		// Acknowledgements by this viewer were already applied
		// optimistically.
		if event.Actor == r.viewer {
			r.mu.Unlock()
			return
		}
	}
	token := scope.Token
	r.mu.Unlock()
	r.requestRefresh(token)
}

func (r *Reconciler) hasUploadLocked(projectID, fileName string) bool {
	for _, upload := range r.view.Uploads {
		if upload.ProjectID == projectID && upload.FileName == fileName {
			return true
		}
	}
	return false
}

func (r *Reconciler) dropFolderUploadsLocked(projectID, folder string) {
	kept := r.view.Uploads[:0]
	for _, upload := range r.view.Uploads {
		if upload.ProjectID == projectID && upload.Folder == folder {
			if r.view.UnreadCount > 0 {
				r.view.UnreadCount--
			}
			continue
		}
		kept = append(kept, upload)
	}
	r.view.Uploads = kept
}

func (r *Reconciler) dropUploadLocked(projectID, fileName string) {
	kept := r.view.Uploads[:0]
	for _, upload := range r.view.Uploads {
		if upload.ProjectID == projectID && upload.FileName == fileName {
			if r.view.UnreadCount > 0 {
				r.view.UnreadCount--
			}
			continue
		}
		kept = append(kept, upload)
	}
	r.view.Uploads = kept
}
