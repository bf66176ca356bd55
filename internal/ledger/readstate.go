package ledger

import "sort"

// CompletionConfig controls the completion denominator. Threshold is
// the number of distinct non-uploader members that must act; zero
// derives it from the roster ("all others"). The legacy deployment ran
// a fixed six-member roster, i.e. Threshold 5.
type CompletionConfig struct {
	Threshold int
}

type Completion struct {
	FullyViewed     bool `json:"fullyViewed"`
	FullyDownloaded bool `json:"fullyDownloaded"`
}

type ReadState struct {
	UnreadUploads []AuditRecord         `json:"unreadUploads"`
	Completion    map[string]Completion `json:"completion"`
}

// Resolve computes the viewer's unread uploads and per-subject
// completion from an audit snapshot. It is deterministic and
// side-effect free; identical inputs always produce identical output.
//
// Viewed/downloaded identity is by file name only: a preview of
// "report.pdf" in any folder clears every upload of "report.pdf".
func Resolve(records []AuditRecord, roster []string, viewer string, cfg CompletionConfig) ReadState {
	viewed := map[string]map[string]bool{}
	downloaded := map[string]map[string]bool{}
	uploader := map[string]string{}
	subjects := map[string]bool{}

	for _, record := range records {
		switch record.Action {
		case ActionUpload:
			subjects[record.SubjectName] = true
			if _, ok := uploader[record.SubjectName]; !ok {
				uploader[record.SubjectName] = record.UploadedBy
			}
		case ActionPreview:
			addMembers(viewed, record.SubjectName, record.ViewedBy)
		case ActionDownload:
			addMembers(downloaded, record.SubjectName, record.DownloadedBy)
		}
	}

	unread := []AuditRecord{}
	for _, record := range records {
		if record.Action != ActionUpload {
			continue
		}
		if record.UploadedBy == viewer {
			continue
		}
		if viewed[record.SubjectName][viewer] || downloaded[record.SubjectName][viewer] {
			continue
		}
		unread = append(unread, record)
	}
	sort.SliceStable(unread, func(i, j int) bool {
		return ParseTime(unread[i].ActedAt).After(ParseTime(unread[j].ActedAt))
	})

	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = len(roster) - 1
	}
	completion := map[string]Completion{}
	for subject := range subjects {
		completion[subject] = Completion{
			FullyViewed:     countExcluding(viewed[subject], uploader[subject]) >= threshold,
			FullyDownloaded: countExcluding(downloaded[subject], uploader[subject]) >= threshold,
		}
	}

	return ReadState{UnreadUploads: unread, Completion: completion}
}

func addMembers(index map[string]map[string]bool, subject string, members []Membership) {
	if len(members) == 0 {
		return
	}
	set, ok := index[subject]
	if !ok {
		set = map[string]bool{}
		index[subject] = set
	}
	for _, member := range members {
		set[member.Username] = true
	}
}

func countExcluding(set map[string]bool, excluded string) int {
	count := 0
	for username := range set {
		if username == excluded {
			continue
		}
		count++
	}
	return count
}
