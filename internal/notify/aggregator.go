package notify

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/shashanking/cvs-cms/internal/ledger"
)

// Source is the read/acknowledge surface the aggregator needs from the
// ledger. An empty projectID on the read methods spans every project.
type Source interface {
	AuditRecords(projectID string) []ledger.AuditRecord
	EventNotices(projectID, username string) []ledger.EventNotice
	Mentions(projectID, username string) []ledger.ChatMention
	Roster(projectID string) []string
	ProjectIDs() []string
	MarkEventRead(projectID, eventID, username string) error
	MarkMentionRead(mentionID string) error
}

// Scope is either one project or the viewer's whole dashboard. The
// token is minted on every scope switch; a reconciliation result
// carrying an old token is discarded.
type Scope struct {
	ProjectID string `json:"projectId,omitempty"`
	Token     string `json:"token"`
}

func NewScope(projectID string) Scope {
	return Scope{ProjectID: projectID, Token: uuid.NewString()}
}

func GlobalScope() Scope {
	return NewScope("")
}

// UploadNotice is the derived unread-upload notification. Its unread
// state is never stored; it follows from audit membership.
type UploadNotice struct {
	ProjectID  string `json:"projectId"`
	Folder     string `json:"folder,omitempty"`
	FileName   string `json:"fileName"`
	UploadedBy string `json:"uploadedBy"`
	UploadedAt string `json:"uploadedAt"`
}

// NotificationList groups the three notification kinds. Each sub-list
// is sorted newest first by its own timestamp; kinds are never
// interleaved.
type NotificationList struct {
	Uploads     []UploadNotice       `json:"uploads"`
	Events      []ledger.EventNotice `json:"events"`
	Mentions    []ledger.ChatMention `json:"mentions"`
	UnreadCount int                  `json:"unreadCount"`
}

type Config struct {
	Completion ledger.CompletionConfig
	Now        func() time.Time
}

// Aggregator merges uploads, event notices and chat mentions into one
// per-viewer list. Aggregation reads a consistent ledger snapshot and
// has no side effects, so repeated calls over unchanged state return
// identical output.
type Aggregator struct {
	source Source
	cfg    Config
}

func New(source Source, cfg Config) *Aggregator {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Aggregator{source: source, cfg: cfg}
}

func (a *Aggregator) Aggregate(viewer string, scope Scope) (NotificationList, error) {
	if a == nil || a.source == nil || viewer == "" {
		return NotificationList{}, ledger.ErrInvalidInput
	}
	projectIDs := []string{scope.ProjectID}
	if scope.ProjectID == "" {
		projectIDs = a.source.ProjectIDs()
	}

	uploads := []UploadNotice{}
	for _, projectID := range projectIDs {
		records := a.source.AuditRecords(projectID)
		roster := a.source.Roster(projectID)
		state := ledger.Resolve(records, roster, viewer, a.cfg.Completion)

		deleted := map[string]bool{}
		for _, record := range records {
			if record.Action == ledger.ActionDelete {
				deleted[record.SubjectName] = true
			}
		}
		seen := map[string]bool{}
		for _, record := range state.UnreadUploads {
			if deleted[record.SubjectName] || seen[record.SubjectName] {
				continue
			}
			seen[record.SubjectName] = true
			uploads = append(uploads, UploadNotice{
				ProjectID:  record.ProjectID,
				Folder:     record.Folder,
				FileName:   record.SubjectName,
				UploadedBy: record.UploadedBy,
				UploadedAt: record.ActedAt,
			})
		}
	}
	sort.SliceStable(uploads, func(i, j int) bool {
		return ledger.ParseTime(uploads[i].UploadedAt).After(ledger.ParseTime(uploads[j].UploadedAt))
	})

	events := a.source.EventNotices(scope.ProjectID, viewer)
	sort.SliceStable(events, func(i, j int) bool {
		return ledger.ParseTime(events[i].CreatedAt).After(ledger.ParseTime(events[j].CreatedAt))
	})

	mentions := []ledger.ChatMention{}
	for _, mention := range a.source.Mentions(scope.ProjectID, viewer) {
		if mention.Read {
			continue
		}
		mentions = append(mentions, mention)
	}
	sort.SliceStable(mentions, func(i, j int) bool {
		return ledger.ParseTime(mentions[i].CreatedAt).After(ledger.ParseTime(mentions[j].CreatedAt))
	})

	now := a.cfg.Now()
	unread := len(uploads) + len(mentions)
	for _, notice := range events {
		if noticeUnread(notice, now) {
			unread++
		}
	}

	return NotificationList{
		Uploads:     uploads,
		Events:      events,
		Mentions:    mentions,
		UnreadCount: unread,
	}, nil
}

func (a *Aggregator) UnreadCount(viewer string, scope Scope) (int, error) {
	list, err := a.Aggregate(viewer, scope)
	if err != nil {
		return 0, err
	}
	return list.UnreadCount, nil
}

// MarkEventRead and MarkMentionRead are the only two mutations the
// aggregator exposes; both are idempotent pass-throughs to the ledger.
func (a *Aggregator) MarkEventRead(projectID, eventID, viewer string) error {
	if a == nil || a.source == nil {
		return ledger.ErrInvalidInput
	}
	return a.source.MarkEventRead(projectID, eventID, viewer)
}

func (a *Aggregator) MarkMentionRead(mentionID string) error {
	if a == nil || a.source == nil {
		return ledger.ErrInvalidInput
	}
	return a.source.MarkMentionRead(mentionID)
}

// noticeUnread applies the "past events do not count" rule: an unread
// notice for an event whose scheduled time has already passed stays in
// the list but no longer contributes to the badge.
func noticeUnread(notice ledger.EventNotice, now time.Time) bool {
	if notice.Read {
		return false
	}
	eventAt := ledger.ParseTime(notice.EventAt)
	if eventAt.IsZero() {
		return true
	}
	return !eventAt.Before(now)
}
