package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrConflict         = errors.New("membership conflict")
	ErrStaleScope       = errors.New("stale scope")
)

// MembershipConflictError reports a lost race on the durable membership
// table. Callers retry the add-if-absent; the conflict never surfaces to
// the initiating user action.
type MembershipConflictError struct {
	ProjectID string
	Subject   string
	Username  string
}

func (e *MembershipConflictError) Error() string {
	return fmt.Sprintf("membership conflict for %s/%s by %s", e.ProjectID, e.Subject, e.Username)
}

func (e *MembershipConflictError) Is(target error) bool {
	return target == ErrConflict
}

type Action string

const (
	ActionUpload         Action = "upload"
	ActionPreview        Action = "preview"
	ActionDownload       Action = "download"
	ActionDelete         Action = "delete"
	ActionFolderCreated  Action = "folder_created"
	ActionFolderDeleted  Action = "folder_deleted"
	ActionLinkDeleted    Action = "link_deleted"
	ActionProjectCreated Action = "project_created"
)

// Membership is one (username, timestamp) entry in a record's viewed or
// downloaded set. A username appears at most once per set.
type Membership struct {
	Username string `json:"username"`
	At       string `json:"at"`
}

// AuditRecord is one row of the audit table. Preview and download rows
// are unique per (project, folder, subject) and accumulate memberships;
// every other action is its own immutable row.
type AuditRecord struct {
	ID           string       `json:"id"`
	ProjectID    string       `json:"projectId"`
	Folder       string       `json:"folder,omitempty"`
	SubjectName  string       `json:"subjectName,omitempty"`
	Action       Action       `json:"action"`
	Actor        string       `json:"actor"`
	ActedAt      string       `json:"actedAt"`
	UploadedBy   string       `json:"uploadedBy,omitempty"`
	ViewedBy     []Membership `json:"viewedBy,omitempty"`
	DownloadedBy []Membership `json:"downloadedBy,omitempty"`
}

type ActionRequest struct {
	ProjectID      string
	Folder         string
	SubjectName    string
	Action         Action
	Actor          string
	At             string
	IdempotencyKey string
}

type ActionStatus string

const (
	StatusUpdated         ActionStatus = "updated"
	StatusAlreadyRecorded ActionStatus = "already_recorded"
)

type ActionResult struct {
	Status ActionStatus `json:"status"`
	Record AuditRecord  `json:"record,omitempty"`
}

// ProjectEvent is a scheduled event. Deletion is soft so that dependent
// notices can be excluded without dangling references.
type ProjectEvent struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId"`
	Topic       string `json:"topic"`
	Description string `json:"description,omitempty"`
	CreatedBy   string `json:"createdBy"`
	CreatedAt   string `json:"createdAt"`
	EventAt     string `json:"eventAt,omitempty"`
	Deleted     bool   `json:"deleted,omitempty"`
}

// EventNotice is the per-recipient unread marker for a project event.
// One notice exists per roster member except the creator.
type EventNotice struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	EventID   string `json:"eventId"`
	Topic     string `json:"topic"`
	Username  string `json:"username"`
	CreatedBy string `json:"createdBy"`
	CreatedAt string `json:"createdAt"`
	EventAt   string `json:"eventAt,omitempty"`
	Read      bool   `json:"read"`
}

type ChatMessage struct {
	ID             string `json:"id"`
	ProjectID      string `json:"projectId"`
	Username       string `json:"username"`
	Message        string `json:"message"`
	CreatedAt      string `json:"createdAt"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type ChatMention struct {
	ID            string `json:"id"`
	ProjectID     string `json:"projectId"`
	MessageID     string `json:"messageId"`
	MentionedBy   string `json:"mentionedBy"`
	MentionedUser string `json:"mentionedUser"`
	Message       string `json:"message"`
	CreatedAt     string `json:"createdAt"`
	Read          bool   `json:"read"`
}

type EventRequest struct {
	ProjectID   string
	EventID     string
	Topic       string
	Description string
	CreatedBy   string
	EventAt     string
}

type ChatRequest struct {
	ProjectID      string
	Username       string
	Message        string
	IdempotencyKey string
}

// ChangeEvent is one entry of the change feed. Delivery to subscribers
// is at-least-once and unordered across projects; the EventID sequence
// is total within the ledger.
type ChangeEvent struct {
	EventID        string `json:"eventId"`
	Kind           string `json:"kind"`
	ProjectID      string `json:"projectId"`
	Folder         string `json:"folder,omitempty"`
	Subject        string `json:"subject,omitempty"`
	Actor          string `json:"actor,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	Timestamp      string `json:"timestamp"`
}

type ChangeFeed struct {
	Events     []ChangeEvent `json:"events"`
	NextCursor *string       `json:"nextCursor"`
}

const (
	ChangeUploadRecorded   = "upload.recorded"
	ChangePreviewRecorded  = "preview.recorded"
	ChangeDownloadRecorded = "download.recorded"
	ChangeDeleteRecorded   = "delete.recorded"
	ChangeFolderCreated    = "folder.created"
	ChangeFolderDeleted    = "folder.deleted"
	ChangeLinkDeleted      = "link.deleted"
	ChangeProjectCreated   = "project.created"
	ChangeEventCreated     = "event.created"
	ChangeEventDeleted     = "event.deleted"
	ChangeEventRead        = "event.read"
	ChangeChatPosted       = "chat.posted"
	ChangeMentionRead      = "mention.read"
	ChangeProjectDeleted   = "project.deleted"
)

// StateBackend persists full ledger snapshots.
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

// MembershipStore is the durable add-if-absent primitive for the viewed
// and downloaded sets. AddMember reports whether the username was newly
// inserted; a unique index on (project, folder, subject, action,
// username) makes the insert atomic across concurrent writers.
type MembershipStore interface {
	AddMember(projectID, folder, subject string, action Action, username, at string) (bool, error)
}

type Options struct {
	StateFile         string
	StateBackend      StateBackend
	Memberships       MembershipStore
	FeedBuffer        int
	MaxChangeEvents   int
	MembershipRetries int
}

type persistedState struct {
	RecordCounter uint64                   `json:"recordCounter"`
	ChangeCounter uint64                   `json:"changeCounter"`
	Projects      map[string]*projectState `json:"projects"`
}

type projectState struct {
	Records  []AuditRecord   `json:"records"`
	Events   []ProjectEvent  `json:"events"`
	Notices  []EventNotice   `json:"notices"`
	Messages []ChatMessage   `json:"messages"`
	Mentions []ChatMention   `json:"mentions"`
	Roster   []string        `json:"roster"`
	Folders  map[string]bool `json:"folders"`
	Changes  []ChangeEvent   `json:"changes"`
}

type subscriber struct {
	projectID string
	ch        chan ChangeEvent
}

// Ledger coordinates all audit and notification state for every
// project. Mutations hold the write lock across the durable append so a
// caller observes its own write on the very next read.
type Ledger struct {
	mu                sync.RWMutex
	subMu             sync.Mutex
	projects          map[string]*projectState
	recordCounter     uint64
	changeCounter     uint64
	backend           StateBackend
	memberships       MembershipStore
	subscribers       map[*subscriber]struct{}
	feedBuffer        int
	maxChangeEvents   int
	membershipRetries int
	closed            chan struct{}
	closeOnce         sync.Once
}

func New() *Ledger {
	return NewWithOptions(Options{})
}

func NewWithOptions(opts Options) *Ledger {
	feedBuffer := opts.FeedBuffer
	if feedBuffer <= 0 {
		feedBuffer = 64
	}
	maxChangeEvents := opts.MaxChangeEvents
	if maxChangeEvents <= 0 {
		maxChangeEvents = 10000
	}
	membershipRetries := opts.MembershipRetries
	if membershipRetries <= 0 {
		membershipRetries = 3
	}
	backend := opts.StateBackend
	if backend == nil && strings.TrimSpace(opts.StateFile) != "" {
		backend = NewJSONFileStateBackend(opts.StateFile)
	}
	l := &Ledger{
		projects:          map[string]*projectState{},
		backend:           backend,
		memberships:       opts.Memberships,
		subscribers:       map[*subscriber]struct{}{},
		feedBuffer:        feedBuffer,
		maxChangeEvents:   maxChangeEvents,
		membershipRetries: membershipRetries,
		closed:            make(chan struct{}),
	}
	_ = l.loadFromBackend()
	return l
}

// NewFromBackend builds a ledger over an explicit backend and surfaces
// the snapshot load error instead of starting empty on a bad file.
func NewFromBackend(backend StateBackend, opts Options) (*Ledger, error) {
	opts.StateBackend = backend
	opts.StateFile = ""
	l := NewWithOptions(Options{
		Memberships:       opts.Memberships,
		FeedBuffer:        opts.FeedBuffer,
		MaxChangeEvents:   opts.MaxChangeEvents,
		MembershipRetries: opts.MembershipRetries,
	})
	l.backend = backend
	if err := l.loadFromBackend(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return l, nil
}

func (l *Ledger) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.subMu.Lock()
		for sub := range l.subscribers {
			close(sub.ch)
		}
		l.subscribers = map[*subscriber]struct{}{}
		l.subMu.Unlock()
		if closer, ok := l.backend.(stateBackendCloser); ok {
			_ = closer.Close()
		}
	})
}

func (l *Ledger) ensureProjectLocked(projectID string) *projectState {
	ps, ok := l.projects[projectID]
	if ok {
		if ps.Folders == nil {
			ps.Folders = map[string]bool{}
		}
		return ps
	}
	ps = &projectState{
		Records:  []AuditRecord{},
		Events:   []ProjectEvent{},
		Notices:  []EventNotice{},
		Messages: []ChatMessage{},
		Mentions: []ChatMention{},
		Folders:  map[string]bool{},
		Changes:  []ChangeEvent{},
	}
	l.projects[projectID] = ps
	return ps
}

func (l *Ledger) nextRecordIDLocked() string {
	l.recordCounter++
	return fmt.Sprintf("rec_%d", l.recordCounter)
}

func (l *Ledger) appendChangeLocked(ps *projectState, kind, projectID, folder, subject, actor, idempotencyKey string) ChangeEvent {
	l.changeCounter++
	event := ChangeEvent{
		EventID:        fmt.Sprintf("chg_%d", l.changeCounter),
		Kind:           kind,
		ProjectID:      projectID,
		Folder:         folder,
		Subject:        subject,
		Actor:          actor,
		IdempotencyKey: idempotencyKey,
		Timestamp:      nowRFC3339(),
	}
	ps.Changes = append(ps.Changes, event)
	if len(ps.Changes) > l.maxChangeEvents {
		ps.Changes = append([]ChangeEvent(nil), ps.Changes[len(ps.Changes)-l.maxChangeEvents:]...)
	}
	return event
}

// SetRoster replaces the member list of a project. The roster is the
// completion denominator and the fan-out set for event notices.
func (l *Ledger) SetRoster(projectID string, usernames []string) error {
	if strings.TrimSpace(projectID) == "" {
		return ErrInvalidInput
	}
	deduped := make([]string, 0, len(usernames))
	seen := map[string]bool{}
	for _, name := range usernames {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		deduped = append(deduped, name)
	}
	l.mu.Lock()
	ps := l.ensureProjectLocked(projectID)
	ps.Roster = deduped
	err := l.saveLocked()
	l.mu.Unlock()
	return err
}

func (l *Ledger) Roster(projectID string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ps, ok := l.projects[projectID]
	if !ok {
		return []string{}
	}
	return append([]string(nil), ps.Roster...)
}

func (l *Ledger) ProjectIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.projects))
	for id := range l.projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DeleteProject drops every record, event, message and mention held for
// the project. Subscribers on the project receive a final
// project.deleted event before their feed goes quiet.
func (l *Ledger) DeleteProject(projectID, actor string) error {
	if strings.TrimSpace(projectID) == "" {
		return ErrInvalidInput
	}
	l.mu.Lock()
	if _, ok := l.projects[projectID]; !ok {
		l.mu.Unlock()
		return ErrNotFound
	}
	delete(l.projects, projectID)
	l.changeCounter++
	event := ChangeEvent{
		EventID:   fmt.Sprintf("chg_%d", l.changeCounter),
		Kind:      ChangeProjectDeleted,
		ProjectID: projectID,
		Actor:     actor,
		Timestamp: nowRFC3339(),
	}
	err := l.saveLocked()
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	l.publish(event)
	return nil
}

// RecordAction applies one audit observation. Preview and download
// observations merge into the single membership record for their
// subject; every other action appends an immutable record. The merge is
// idempotent: repeating an observation reports AlreadyRecorded and
// leaves the sets untouched.
func (l *Ledger) RecordAction(req ActionRequest) (ActionResult, error) {
	if strings.TrimSpace(req.ProjectID) == "" || strings.TrimSpace(req.Actor) == "" {
		return ActionResult{}, ErrInvalidInput
	}
	switch req.Action {
	case ActionUpload, ActionPreview, ActionDownload, ActionDelete:
		if strings.TrimSpace(req.SubjectName) == "" {
			return ActionResult{}, ErrInvalidInput
		}
	case ActionFolderCreated, ActionFolderDeleted:
		if strings.TrimSpace(req.Folder) == "" {
			return ActionResult{}, ErrInvalidInput
		}
	case ActionLinkDeleted, ActionProjectCreated:
	default:
		return ActionResult{}, ErrInvalidInput
	}
	at := strings.TrimSpace(req.At)
	if at == "" {
		at = nowRFC3339()
	}

	if req.Action == ActionPreview || req.Action == ActionDownload {
		return l.mergeMembership(req, at)
	}

	l.mu.Lock()
	ps := l.ensureProjectLocked(req.ProjectID)
	record := AuditRecord{
		ID:          l.nextRecordIDLocked(),
		ProjectID:   req.ProjectID,
		Folder:      req.Folder,
		SubjectName: req.SubjectName,
		Action:      req.Action,
		Actor:       req.Actor,
		ActedAt:     at,
	}
	if req.Action == ActionUpload {
		record.UploadedBy = req.Actor
		if req.Folder != "" {
			ps.Folders[req.Folder] = true
		}
	}
	switch req.Action {
	case ActionFolderCreated:
		ps.Folders[req.Folder] = true
	case ActionFolderDeleted:
		delete(ps.Folders, req.Folder)
		l.cascadeFolderDeleteLocked(ps, req.Folder)
	}
	ps.Records = append(ps.Records, record)
	event := l.appendChangeLocked(ps, changeKindFor(req.Action), req.ProjectID, req.Folder, req.SubjectName, req.Actor, req.IdempotencyKey)
	err := l.saveLocked()
	l.mu.Unlock()
	if err != nil {
		return ActionResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	l.publish(event)
	return ActionResult{Status: StatusUpdated, Record: record}, nil
}

func (l *Ledger) mergeMembership(req ActionRequest, at string) (ActionResult, error) {
	l.mu.Lock()
	ps := l.ensureProjectLocked(req.ProjectID)

	uploader := uploaderOfLocked(ps, req.Folder, req.SubjectName)
	if uploader != "" && uploader == req.Actor {
		// Uploader activity never counts toward completion.
		l.mu.Unlock()
		return ActionResult{Status: StatusAlreadyRecorded}, nil
	}

	idx := -1
	for i := range ps.Records {
		r := &ps.Records[i]
		if r.Action == req.Action && r.Folder == req.Folder && r.SubjectName == req.SubjectName {
			idx = i
			break
		}
	}
	if idx >= 0 && hasMember(membersOf(&ps.Records[idx], req.Action), req.Actor) {
		l.mu.Unlock()
		return ActionResult{Status: StatusAlreadyRecorded, Record: ps.Records[idx]}, nil
	}

	if l.memberships != nil {
		added, err := l.addMemberDurable(req, at)
		if err != nil {
			l.mu.Unlock()
			return ActionResult{}, err
		}
		if !added {
			result := ActionResult{Status: StatusAlreadyRecorded}
			if idx >= 0 {
				result.Record = ps.Records[idx]
			}
			l.mu.Unlock()
			return result, nil
		}
	}

	entry := Membership{Username: req.Actor, At: at}
	if idx < 0 {
		record := AuditRecord{
			ID:          l.nextRecordIDLocked(),
			ProjectID:   req.ProjectID,
			Folder:      req.Folder,
			SubjectName: req.SubjectName,
			Action:      req.Action,
			Actor:       req.Actor,
			ActedAt:     at,
			UploadedBy:  uploader,
		}
		appendMember(&record, req.Action, entry)
		ps.Records = append(ps.Records, record)
		idx = len(ps.Records) - 1
	} else {
		appendMember(&ps.Records[idx], req.Action, entry)
		if ps.Records[idx].UploadedBy == "" {
			ps.Records[idx].UploadedBy = uploader
		}
	}
	record := ps.Records[idx]
	event := l.appendChangeLocked(ps, changeKindFor(req.Action), req.ProjectID, req.Folder, req.SubjectName, req.Actor, req.IdempotencyKey)
	err := l.saveLocked()
	l.mu.Unlock()
	if err != nil {
		return ActionResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	l.publish(event)
	return ActionResult{Status: StatusUpdated, Record: record}, nil
}

func (l *Ledger) addMemberDurable(req ActionRequest, at string) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < l.membershipRetries; attempt++ {
		added, err := l.memberships.AddMember(req.ProjectID, req.Folder, req.SubjectName, req.Action, req.Actor, at)
		if err == nil {
			return added, nil
		}
		if errors.Is(err, ErrConflict) {
			lastErr = err
			continue
		}
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, lastErr)
}

func (l *Ledger) cascadeFolderDeleteLocked(ps *projectState, folder string) {
	kept := ps.Records[:0]
	for _, record := range ps.Records {
		if record.Folder == folder && record.Action != ActionFolderDeleted {
			continue
		}
		kept = append(kept, record)
	}
	ps.Records = kept
}

func uploaderOfLocked(ps *projectState, folder, subject string) string {
	fallback := ""
	for i := len(ps.Records) - 1; i >= 0; i-- {
		r := ps.Records[i]
		if r.Action != ActionUpload || r.SubjectName != subject {
			continue
		}
		if r.Folder == folder {
			return r.UploadedBy
		}
		if fallback == "" {
			fallback = r.UploadedBy
		}
	}
	return fallback
}

func membersOf(record *AuditRecord, action Action) []Membership {
	if action == ActionDownload {
		return record.DownloadedBy
	}
	return record.ViewedBy
}

func appendMember(record *AuditRecord, action Action, entry Membership) {
	if action == ActionDownload {
		record.DownloadedBy = append(record.DownloadedBy, entry)
		return
	}
	record.ViewedBy = append(record.ViewedBy, entry)
}

func hasMember(members []Membership, username string) bool {
	for _, m := range members {
		if m.Username == username {
			return true
		}
	}
	return false
}

func changeKindFor(action Action) string {
	switch action {
	case ActionUpload:
		return ChangeUploadRecorded
	case ActionPreview:
		return ChangePreviewRecorded
	case ActionDownload:
		return ChangeDownloadRecorded
	case ActionDelete:
		return ChangeDeleteRecorded
	case ActionFolderCreated:
		return ChangeFolderCreated
	case ActionFolderDeleted:
		return ChangeFolderDeleted
	case ActionLinkDeleted:
		return ChangeLinkDeleted
	case ActionProjectCreated:
		return ChangeProjectCreated
	}
	return ""
}

// AuditRecords returns a snapshot of audit rows. An empty projectID
// spans every project.
func (l *Ledger) AuditRecords(projectID string) []AuditRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if projectID != "" {
		ps, ok := l.projects[projectID]
		if !ok {
			return []AuditRecord{}
		}
		return append([]AuditRecord(nil), ps.Records...)
	}
	records := []AuditRecord{}
	for _, id := range sortedProjectIDsLocked(l.projects) {
		records = append(records, l.projects[id].Records...)
	}
	return records
}

// CreateEvent stores a project event and fans out one unread notice per
// roster member except the creator.
func (l *Ledger) CreateEvent(req EventRequest) (ProjectEvent, error) {
	if strings.TrimSpace(req.ProjectID) == "" || strings.TrimSpace(req.Topic) == "" || strings.TrimSpace(req.CreatedBy) == "" {
		return ProjectEvent{}, ErrInvalidInput
	}
	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" {
		eventID = uuid.NewString()
	}
	now := nowRFC3339()

	l.mu.Lock()
	ps := l.ensureProjectLocked(req.ProjectID)
	for _, existing := range ps.Events {
		if existing.ID == eventID {
			l.mu.Unlock()
			return existing, nil
		}
	}
	event := ProjectEvent{
		ID:          eventID,
		ProjectID:   req.ProjectID,
		Topic:       req.Topic,
		Description: req.Description,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
		EventAt:     req.EventAt,
	}
	ps.Events = append(ps.Events, event)
	for _, member := range ps.Roster {
		if member == req.CreatedBy {
			continue
		}
		ps.Notices = append(ps.Notices, EventNotice{
			ID:        uuid.NewString(),
			ProjectID: req.ProjectID,
			EventID:   eventID,
			Topic:     req.Topic,
			Username:  member,
			CreatedBy: req.CreatedBy,
			CreatedAt: now,
			EventAt:   req.EventAt,
			Read:      false,
		})
	}
	change := l.appendChangeLocked(ps, ChangeEventCreated, req.ProjectID, "", eventID, req.CreatedBy, "")
	err := l.saveLocked()
	l.mu.Unlock()
	if err != nil {
		return ProjectEvent{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	l.publish(change)
	return event, nil
}

// DeleteEvent soft-deletes an event; its notices stop aggregating but
// remain stored.
func (l *Ledger) DeleteEvent(projectID, eventID, actor string) error {
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(eventID) == "" {
		return ErrInvalidInput
	}
	l.mu.Lock()
	ps, ok := l.projects[projectID]
	if !ok {
		l.mu.Unlock()
		return ErrNotFound
	}
	found := false
	for i := range ps.Events {
		if ps.Events[i].ID == eventID {
			ps.Events[i].Deleted = true
			found = true
			break
		}
	}
	if !found {
		l.mu.Unlock()
		return ErrNotFound
	}
	change := l.appendChangeLocked(ps, ChangeEventDeleted, projectID, "", eventID, actor, "")
	err := l.saveLocked()
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	l.publish(change)
	return nil
}

// EventNotices returns notices addressed to username whose parent event
// still exists. An empty projectID spans every project.
func (l *Ledger) EventNotices(projectID, username string) []EventNotice {
	l.mu.RLock()
	defer l.mu.RUnlock()
	notices := []EventNotice{}
	appendProject := func(ps *projectState) {
		deleted := map[string]bool{}
		for _, event := range ps.Events {
			if event.Deleted {
				deleted[event.ID] = true
			}
		}
		for _, notice := range ps.Notices {
			if notice.Username != username || deleted[notice.EventID] {
				continue
			}
			notices = append(notices, notice)
		}
	}
	if projectID != "" {
		if ps, ok := l.projects[projectID]; ok {
			appendProject(ps)
		}
		return notices
	}
	for _, id := range sortedProjectIDsLocked(l.projects) {
		appendProject(l.projects[id])
	}
	return notices
}

// MarkEventRead acknowledges every notice for (event, username).
// Acknowledging an already-read notice is a no-op.
func (l *Ledger) MarkEventRead(projectID, eventID, username string) error {
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(eventID) == "" || strings.TrimSpace(username) == "" {
		return ErrInvalidInput
	}
	l.mu.Lock()
	ps, ok := l.projects[projectID]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	changed := false
	for i := range ps.Notices {
		notice := &ps.Notices[i]
		if notice.EventID == eventID && notice.Username == username && !notice.Read {
			notice.Read = true
			changed = true
		}
	}
	if !changed {
		l.mu.Unlock()
		return nil
	}
	change := l.appendChangeLocked(ps, ChangeEventRead, projectID, "", eventID, username, "")
	err := l.saveLocked()
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	l.publish(change)
	return nil
}

// PostChat stores a chat message and one unread mention per @-mentioned
// roster member. A repeated idempotency key returns the original
// message without writing anything.
func (l *Ledger) PostChat(req ChatRequest) (ChatMessage, error) {
	if strings.TrimSpace(req.ProjectID) == "" || strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.Message) == "" {
		return ChatMessage{}, ErrInvalidInput
	}
	now := nowRFC3339()

	l.mu.Lock()
	ps := l.ensureProjectLocked(req.ProjectID)
	if req.IdempotencyKey != "" {
		for _, existing := range ps.Messages {
			if existing.IdempotencyKey == req.IdempotencyKey {
				l.mu.Unlock()
				return existing, nil
			}
		}
	}
	message := ChatMessage{
		ID:             "msg_" + uuid.NewString(),
		ProjectID:      req.ProjectID,
		Username:       req.Username,
		Message:        req.Message,
		CreatedAt:      now,
		IdempotencyKey: req.IdempotencyKey,
	}
	ps.Messages = append(ps.Messages, message)
	for _, mentioned := range extractMentions(req.Message, ps.Roster) {
		if mentioned == req.Username {
			continue
		}
		ps.Mentions = append(ps.Mentions, ChatMention{
			ID:            uuid.NewString(),
			ProjectID:     req.ProjectID,
			MessageID:     message.ID,
			MentionedBy:   req.Username,
			MentionedUser: mentioned,
			Message:       req.Message,
			CreatedAt:     now,
			Read:          false,
		})
	}
	change := l.appendChangeLocked(ps, ChangeChatPosted, req.ProjectID, "", message.ID, req.Username, req.IdempotencyKey)
	err := l.saveLocked()
	l.mu.Unlock()
	if err != nil {
		return ChatMessage{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	l.publish(change)
	return message, nil
}

func (l *Ledger) ChatMessages(projectID string) []ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ps, ok := l.projects[projectID]
	if !ok {
		return []ChatMessage{}
	}
	return append([]ChatMessage(nil), ps.Messages...)
}

// Mentions returns mentions addressed to username, read and unread.
// An empty projectID spans every project.
func (l *Ledger) Mentions(projectID, username string) []ChatMention {
	l.mu.RLock()
	defer l.mu.RUnlock()
	mentions := []ChatMention{}
	appendProject := func(ps *projectState) {
		for _, mention := range ps.Mentions {
			if mention.MentionedUser == username {
				mentions = append(mentions, mention)
			}
		}
	}
	if projectID != "" {
		if ps, ok := l.projects[projectID]; ok {
			appendProject(ps)
		}
		return mentions
	}
	for _, id := range sortedProjectIDsLocked(l.projects) {
		appendProject(l.projects[id])
	}
	return mentions
}

// MarkMentionRead acknowledges one mention. Unknown IDs and repeats are
// uniform no-ops.
func (l *Ledger) MarkMentionRead(mentionID string) error {
	if strings.TrimSpace(mentionID) == "" {
		return ErrInvalidInput
	}
	l.mu.Lock()
	for projectID, ps := range l.projects {
		for i := range ps.Mentions {
			mention := &ps.Mentions[i]
			if mention.ID != mentionID {
				continue
			}
			if mention.Read {
				l.mu.Unlock()
				return nil
			}
			mention.Read = true
			change := l.appendChangeLocked(ps, ChangeMentionRead, projectID, "", mentionID, mention.MentionedUser, "")
			err := l.saveLocked()
			l.mu.Unlock()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			l.publish(change)
			return nil
		}
	}
	l.mu.Unlock()
	return nil
}

// GetChanges returns a cursored page of the change feed, oldest first.
// An empty projectID merges every project in sequence order.
func (l *Ledger) GetChanges(projectID, cursor string, limit int) (ChangeFeed, error) {
	if limit <= 0 {
		limit = 200
	}
	l.mu.RLock()
	var events []ChangeEvent
	if projectID != "" {
		if ps, ok := l.projects[projectID]; ok {
			events = append([]ChangeEvent(nil), ps.Changes...)
		}
	} else {
		for _, id := range sortedProjectIDsLocked(l.projects) {
			events = append(events, l.projects[id].Changes...)
		}
		sort.Slice(events, func(i, j int) bool {
			return changeSeq(events[i].EventID) < changeSeq(events[j].EventID)
		})
	}
	l.mu.RUnlock()

	if len(events) == 0 {
		return ChangeFeed{Events: []ChangeEvent{}, NextCursor: nil}, nil
	}
	start := 0
	if cursor != "" {
		for i := range events {
			if events[i].EventID == cursor {
				start = i + 1
				break
			}
		}
	}
	if start >= len(events) {
		return ChangeFeed{Events: []ChangeEvent{}, NextCursor: nil}, nil
	}
	end := start + limit
	if end > len(events) {
		end = len(events)
	}
	chunk := append([]ChangeEvent(nil), events[start:end]...)
	var nextCursor *string
	if end < len(events) {
		next := events[end-1].EventID
		nextCursor = &next
	}
	return ChangeFeed{Events: chunk, NextCursor: nextCursor}, nil
}

// Subscribe registers a push channel for change events. An empty
// projectID receives every project's events. Slow consumers lose
// events instead of blocking writers; a reconciliation fetch recovers
// the gap. The returned cancel is safe to call more than once.
func (l *Ledger) Subscribe(projectID string) (<-chan ChangeEvent, func()) {
	sub := &subscriber{
		projectID: projectID,
		ch:        make(chan ChangeEvent, l.feedBuffer),
	}
	l.subMu.Lock()
	select {
	case <-l.closed:
		l.subMu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	default:
	}
	l.subscribers[sub] = struct{}{}
	l.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.subMu.Lock()
			if _, ok := l.subscribers[sub]; ok {
				delete(l.subscribers, sub)
				close(sub.ch)
			}
			l.subMu.Unlock()
		})
	}
	return sub.ch, cancel
}

func (l *Ledger) publish(event ChangeEvent) {
	if event.EventID == "" {
		return
	}
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for sub := range l.subscribers {
		if sub.projectID != "" && sub.projectID != event.ProjectID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

func (l *Ledger) loadFromBackend() error {
	if l.backend == nil {
		return nil
	}
	snapshot, err := l.backend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	if snapshot.Projects != nil {
		l.projects = snapshot.Projects
		for _, ps := range l.projects {
			if ps.Folders == nil {
				ps.Folders = map[string]bool{}
			}
		}
	}
	l.recordCounter = snapshot.RecordCounter
	l.changeCounter = snapshot.ChangeCounter
	return nil
}

func (l *Ledger) saveLocked() error {
	if l.backend == nil {
		return nil
	}
	snapshot := persistedState{
		RecordCounter: l.recordCounter,
		ChangeCounter: l.changeCounter,
		Projects:      l.projects,
	}
	return l.backend.Save(&snapshot)
}

func sortedProjectIDsLocked(projects map[string]*projectState) []string {
	ids := make([]string, 0, len(projects))
	for id := range projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func extractMentions(message string, roster []string) []string {
	if !strings.Contains(message, "@") {
		return nil
	}
	known := map[string]bool{}
	for _, name := range roster {
		known[name] = true
	}
	seen := map[string]bool{}
	mentions := []string{}
	for _, token := range strings.Fields(message) {
		if !strings.HasPrefix(token, "@") {
			continue
		}
		name := strings.TrimFunc(strings.TrimPrefix(token, "@"), func(r rune) bool {
			return r == '.' || r == ',' || r == '!' || r == '?' || r == ':' || r == ';' || r == ')' || r == '('
		})
		if name == "" || !known[name] || seen[name] {
			continue
		}
		seen[name] = true
		mentions = append(mentions, name)
	}
	return mentions
}

func changeSeq(eventID string) uint64 {
	raw := strings.TrimPrefix(eventID, "chg_")
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ParseTime parses an RFC3339 timestamp, returning the zero time for
// anything unparseable so comparisons stay total.
func ParseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, value)
		if err != nil {
			return time.Time{}
		}
	}
	return parsed
}
