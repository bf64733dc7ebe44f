package drive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/drivesync/drivesync/internal/remote"
	"github.com/drivesync/drivesync/internal/syncerr"
)

const fileFields = "id,title,mimeType,md5Checksum,etag,fileSize,labels/trashed,parents(id,isRoot)"

var _ remote.Client = (*Client)(nil)

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}

func (c *Client) query(ctx context.Context, q string, limit int) ([]fileResource, error) {
	var out []fileResource
	token := ""
	for {
		params := url.Values{}
		params.Set("q", q)
		params.Set("maxResults", strconv.Itoa(c.pageSize))
		params.Set("fields", "items("+fileFields+"),nextPageToken")
		if token != "" {
			params.Set("pageToken", token)
		}

		var list fileList
		if err := c.getJSON(ctx, "/drive/v2/files?"+params.Encode(), &list); err != nil {
			return nil, err
		}
		out = append(out, list.Items...)
		if list.NextPageToken == "" || (limit > 0 && len(out) >= limit) {
			return out, nil
		}
		token = list.NextPageToken
	}
}

// ListChildren implements remote.Client. Restricted native types are omitted.
func (c *Client) ListChildren(ctx context.Context, parentID string) ([]remote.Metadata, error) {
	items, err := c.query(ctx, fmt.Sprintf("%s in parents and trashed = false", quote(parentID)), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", parentID, err)
	}

	out := make([]remote.Metadata, 0, len(items))
	for _, f := range items {
		if IsRestricted(f.MimeType) {
			continue
		}
		m := f.metadata()
		m.ParentID = parentID
		out = append(out, m)
	}
	return out, nil
}

// FindChild implements remote.Client.
func (c *Client) FindChild(ctx context.Context, parentID, name string) (remote.Metadata, error) {
	q := fmt.Sprintf("title = %s and %s in parents and trashed = false", quote(name), quote(parentID))
	items, err := c.query(ctx, q, 1)
	if err != nil {
		return remote.Metadata{}, fmt.Errorf("failed to find %s in %s: %w", name, parentID, err)
	}
	if len(items) == 0 {
		return remote.Metadata{}, fmt.Errorf("%w: %s in %s", syncerr.ErrNotFound, name, parentID)
	}
	m := items[0].metadata()
	m.ParentID = parentID
	return m, nil
}

// CreateDirectory implements remote.Client.
func (c *Client) CreateDirectory(ctx context.Context, parentID, name string) (remote.Metadata, error) {
	body := fileResource{
		Title:    name,
		MimeType: MimeFolder,
		Parents:  []parentRef{{ID: parentID}},
	}
	var created fileResource
	if err := c.sendJSON(ctx, http.MethodPost, "/drive/v2/files?fields="+url.QueryEscape(fileFields), body, &created); err != nil {
		return remote.Metadata{}, fmt.Errorf("failed to create folder %s: %w", name, err)
	}
	m := created.metadata()
	m.ParentID = parentID
	return m, nil
}

// Upload implements remote.Client. An existing child with the same name is
// updated in place, keeping its id.
func (c *Client) Upload(ctx context.Context, parentID, name string, content io.Reader) (remote.Metadata, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return remote.Metadata{}, fmt.Errorf("failed to read upload content: %w", err)
	}

	method, target := http.MethodPost, "/upload/drive/v2/files"
	existing, err := c.FindChild(ctx, parentID, name)
	switch {
	case err == nil:
		if existing.IsDir {
			return remote.Metadata{}, fmt.Errorf("%w: %s is a folder", syncerr.ErrInvalidPath, name)
		}
		method, target = http.MethodPut, "/upload/drive/v2/files/"+url.PathEscape(existing.ID)
	case !isNotFound(err):
		return remote.Metadata{}, err
	}

	body, contentType, err := multipartBody(fileResource{Title: name, Parents: []parentRef{{ID: parentID}}}, data)
	if err != nil {
		return remote.Metadata{}, err
	}

	params := url.Values{}
	params.Set("uploadType", "multipart")
	params.Set("fields", fileFields)

	var uploaded fileResource
	req := request{method: method, url: target + "?" + params.Encode(), body: body, contentType: contentType}
	if err := c.do(ctx, req, decodeInto(&uploaded)); err != nil {
		return remote.Metadata{}, fmt.Errorf("failed to upload %s: %w", name, err)
	}

	c.logger.Debug("Uploaded file", zap.String("name", name), zap.String("id", uploaded.ID))
	m := uploaded.metadata()
	m.ParentID = parentID
	return m, nil
}

func multipartBody(meta fileResource, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	part, err := w.CreatePart(metaHeader)
	if err != nil {
		return nil, "", err
	}
	if err := jsonEncode(part, meta); err != nil {
		return nil, "", err
	}

	dataHeader := textproto.MIMEHeader{}
	dataHeader.Set("Content-Type", "application/octet-stream")
	part, err = w.CreatePart(dataHeader)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "multipart/related; boundary=" + w.Boundary(), nil
}

// Download implements remote.Client. Documents and spreadsheets are exported as PDF.
func (c *Client) Download(ctx context.Context, id string, w io.Writer) (remote.Metadata, error) {
	var f fileResource
	fields := url.QueryEscape(fileFields + ",downloadUrl,exportLinks")
	if err := c.getJSON(ctx, "/drive/v2/files/"+url.PathEscape(id)+"?fields="+fields, &f); err != nil {
		return remote.Metadata{}, fmt.Errorf("failed to get %s: %w", id, err)
	}
	if f.MimeType == MimeFolder {
		return remote.Metadata{}, fmt.Errorf("%w: %s is a folder", syncerr.ErrInvalidPath, id)
	}

	target := f.contentURL()
	if target == "" {
		target = "/drive/v2/files/" + url.PathEscape(id) + "?alt=media"
	}

	// buffered so a retried request never writes a partial body twice
	var content bytes.Buffer
	err := c.do(ctx, request{method: http.MethodGet, url: target}, func(r io.Reader) error {
		content.Reset()
		_, err := io.Copy(&content, r)
		return err
	})
	if err != nil {
		return remote.Metadata{}, fmt.Errorf("failed to download %s: %w", id, err)
	}
	if _, err := io.Copy(w, &content); err != nil {
		return remote.Metadata{}, fmt.Errorf("failed to write %s: %w", id, err)
	}
	return f.metadata(), nil
}

// Delete implements remote.Client.
func (c *Client) Delete(ctx context.Context, id string) error {
	if err := c.do(ctx, request{method: http.MethodDelete, url: "/drive/v2/files/" + url.PathEscape(id)}, nil); err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	return nil
}

// ChangesSince implements remote.Client. Restricted items are dropped from
// the page but still advance LargestChangeID.
func (c *Client) ChangesSince(ctx context.Context, cursor int64, pageToken string) (remote.ChangePage, error) {
	params := url.Values{}
	params.Set("startChangeId", strconv.FormatInt(cursor+1, 10))
	params.Set("includeDeleted", "true")
	params.Set("maxResults", strconv.Itoa(c.pageSize))
	params.Set("fields", "items(id,fileId,deleted,file("+fileFields+")),largestChangeId,nextPageToken")
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	var list changeList
	if err := c.getJSON(ctx, "/drive/v2/changes?"+params.Encode(), &list); err != nil {
		return remote.ChangePage{}, fmt.Errorf("failed to list changes since %d: %w", cursor, err)
	}

	page := remote.ChangePage{LargestChangeID: cursor, NextPageToken: list.NextPageToken}
	for _, ch := range list.Items {
		if ch.ID > page.LargestChangeID {
			page.LargestChangeID = ch.ID
		}
		entry := remote.ChangeEntry{ChangeID: ch.ID, FileID: ch.FileID, Deleted: ch.Deleted || ch.File == nil}
		if !entry.Deleted {
			if IsRestricted(ch.File.MimeType) {
				continue
			}
			entry.File = ch.File.metadata()
		}
		page.Entries = append(page.Entries, entry)
	}
	if page.NextPageToken == "" && list.LargestChangeID > page.LargestChangeID {
		page.LargestChangeID = list.LargestChangeID
	}
	return page, nil
}

// CurrentCursor implements remote.Client.
func (c *Client) CurrentCursor(ctx context.Context) (int64, error) {
	var a about
	if err := c.getJSON(ctx, "/drive/v2/about?fields=largestChangeId", &a); err != nil {
		return 0, fmt.Errorf("failed to read change cursor: %w", err)
	}
	return a.LargestChangeID, nil
}
