package drive

import (
	"strconv"

	"github.com/drivesync/drivesync/internal/remote"
)

// MIME types of native drive items.
const (
	MimeFolder       = "application/vnd.google-apps.folder"
	MimeDocument     = "application/vnd.google-apps.document"
	MimeSpreadsheet  = "application/vnd.google-apps.spreadsheet"
	MimePresentation = "application/vnd.google-apps.presentation"

	nativePrefix = "application/vnd.google-apps."
)

// restrictedMimeTypes cannot be downloaded or exported and are hidden from
// listings and change pages.
var restrictedMimeTypes = map[string]bool{
	"application/vnd.google-apps.drawing":     true,
	"application/vnd.google-apps.script":      true,
	"application/vnd.google-apps.sites":       true,
	"application/vnd.google-apps.fusiontable": true,
	"application/vnd.google-apps.form":        true,
}

// IsRestricted reports whether items of mimeType are excluded from sync.
func IsRestricted(mimeType string) bool {
	return restrictedMimeTypes[mimeType]
}

type parentRef struct {
	ID     string `json:"id"`
	IsRoot bool   `json:"isRoot,omitempty"`
}

type labels struct {
	Trashed bool `json:"trashed"`
}

type fileResource struct {
	ID          string            `json:"id,omitempty"`
	Title       string            `json:"title,omitempty"`
	MimeType    string            `json:"mimeType,omitempty"`
	MD5Checksum string            `json:"md5Checksum,omitempty"`
	Etag        string            `json:"etag,omitempty"`
	FileSize    string            `json:"fileSize,omitempty"`
	DownloadURL string            `json:"downloadUrl,omitempty"`
	ExportLinks map[string]string `json:"exportLinks,omitempty"`
	Labels      labels            `json:"labels"`
	Parents     []parentRef       `json:"parents,omitempty"`
}

type fileList struct {
	Items         []fileResource `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

type changeResource struct {
	ID      int64         `json:"id,string"`
	FileID  string        `json:"fileId"`
	Deleted bool          `json:"deleted"`
	File    *fileResource `json:"file,omitempty"`
}

type changeList struct {
	Items           []changeResource `json:"items"`
	LargestChangeID int64            `json:"largestChangeId,string"`
	NextPageToken   string           `json:"nextPageToken,omitempty"`
}

type about struct {
	LargestChangeID int64 `json:"largestChangeId,string"`
}

func (f fileResource) isNative() bool {
	return len(f.MimeType) > len(nativePrefix) && f.MimeType[:len(nativePrefix)] == nativePrefix
}

// parentID maps the parent list to the engine's conventions: empty for
// trashed items, RootID for the root, SharedParentID when there is no parent.
func (f fileResource) parentID() string {
	switch {
	case f.Labels.Trashed:
		return ""
	case len(f.Parents) == 0:
		return remote.SharedParentID
	case f.Parents[0].IsRoot:
		return remote.RootID
	default:
		return f.Parents[0].ID
	}
}

func (f fileResource) metadata() remote.Metadata {
	m := remote.Metadata{
		ID:       f.ID,
		Title:    f.Title,
		ParentID: f.parentID(),
		IsDir:    f.MimeType == MimeFolder,
	}
	if m.IsDir {
		return m
	}
	// native documents carry no checksum; the etag changes with every revision
	if f.MD5Checksum != "" {
		m.Fingerprint = f.MD5Checksum
	} else if f.isNative() {
		m.Fingerprint = f.Etag
	}
	if f.FileSize != "" {
		m.Size, _ = strconv.ParseInt(f.FileSize, 10, 64)
	}
	return m
}

// contentURL returns where the bytes of f can be fetched, or "" when the
// files endpoint with alt=media should be used.
func (f fileResource) contentURL() string {
	if f.DownloadURL != "" {
		return f.DownloadURL
	}
	if f.MimeType == MimeDocument || f.MimeType == MimeSpreadsheet || f.MimeType == MimePresentation {
		return f.ExportLinks["application/pdf"]
	}
	return ""
}
