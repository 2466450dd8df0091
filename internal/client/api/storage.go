package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const storageBase = "/api/storage"

// UploadedFile is the storage API's answer to an upload.
type UploadedFile struct {
	FileURL      string    `json:"fileUrl"`
	FileKey      string    `json:"fileKey"`
	UploadedAt   time.Time `json:"uploadedAt"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
}

// ProgressFunc receives upload progress as a percentage, 0 to 100.
type ProgressFunc func(percent int)

type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	last     int
	progress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.progress != nil && p.total > 0 {
		pct := int(p.read * 100 / p.total)
		if pct > 99 {
			// 100 is reported only once the server has confirmed the upload.
			pct = 99
		}
		if pct != p.last {
			p.last = pct
			p.progress(pct)
		}
	}
	return n, err
}

// Upload streams r as a multipart "file" part named filename. size is used for
// progress only and may be 0 when unknown.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader, size int64, progress ProgressFunc) (*UploadedFile, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		part, err := mw.CreateFormFile("file", filename)
		if err == nil {
			_, err = io.Copy(part, &progressReader{r: r, total: size, progress: progress})
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, storageBase+"/objects", nil, pr)
	if err != nil {
		pr.Close()
		wg.Wait()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out UploadedFile
	_, err = c.do(req, &out)
	pr.Close()
	wg.Wait()
	if err != nil {
		return nil, err
	}
	if progress != nil {
		progress(100)
	}
	return &out, nil
}

// DeleteObject removes the stored object with key.
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	_, err := c.doJSON(ctx, http.MethodDelete, storageBase+"/objects", url.Values{"key": {key}}, nil, nil)
	return err
}

// ReportOrphans records keys that were uploaded but may not be referenced by
// any record, so the server-side reconciler can collect them.
func (c *Client) ReportOrphans(ctx context.Context, keys []string, reason string) error {
	if len(keys) == 0 {
		return nil
	}
	body := map[string]interface{}{"keys": keys, "reason": reason}
	if _, err := c.doJSON(ctx, http.MethodPost, storageBase+"/orphans", nil, body, nil); err != nil {
		return fmt.Errorf("report orphans: %w", err)
	}
	return nil
}
