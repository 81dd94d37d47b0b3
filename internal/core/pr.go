package core

import "strings"

// FileStatus describes how a file changed within a pull request.
type FileStatus string

const (
	FileAdded    FileStatus = "added"
	FileRemoved  FileStatus = "removed"
	FileModified FileStatus = "modified"
	FileRenamed  FileStatus = "renamed"
)

func ParseFileStatus(s string) (FileStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "added", "add":
		return FileAdded, true
	case "removed", "deleted":
		return FileRemoved, true
	case "modified", "changed":
		return FileModified, true
	case "renamed":
		return FileRenamed, true
	default:
		return "", false
	}
}

// FileDelta is a single changed file in the review subject.
type FileDelta struct {
	Filename  string     `json:"filename"`
	Status    FileStatus `json:"status"`
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
	Changes   int        `json:"changes"`
	Patch     string     `json:"patch,omitempty"`
}

// PRInfo is the review subject. It is populated by the host before dispatch
// and treated as immutable for the duration of a run.
type PRInfo struct {
	Number     int         `json:"number"`
	Title      string      `json:"title"`
	Body       string      `json:"body"`
	Author     string      `json:"author"`
	Base       string      `json:"base"`
	Head       string      `json:"head"`
	Files      []FileDelta `json:"files"`
	Additions  int         `json:"additions"`
	Deletions  int         `json:"deletions"`
	FullDiff   string      `json:"fullDiff,omitempty"`
	CommitDiff string      `json:"commitDiff,omitempty"`
}

// ChangedFilenames returns the ordered list of filenames in the delta set.
func (p *PRInfo) ChangedFilenames() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.Files))
	for _, f := range p.Files {
		out = append(out, f.Filename)
	}
	return out
}
