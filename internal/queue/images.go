package queue

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"unicode/utf16"

	"github.com/artbot/artbot/internal/job"
	"github.com/artbot/artbot/internal/telemetry"
)

// ErrConversionFailed is returned when the PNG endpoint answers without success.
var ErrConversionFailed = errors.New("png conversion failed")

const maxFilenameLen = 254

// Image returns a stored record, or nil when it does not exist.
func (q *Queue) Image(ctx context.Context, jobID string) (*job.CompletedImageRecord, error) {
	return q.records.Get(ctx, jobID)
}

// Images returns every stored record, newest first.
func (q *Queue) Images(ctx context.Context) ([]*job.CompletedImageRecord, error) {
	return q.records.List(ctx)
}

// DeleteImage removes a record. It reports false, without error, when the record was
// already absent.
func (q *Queue) DeleteImage(ctx context.Context, jobID string) (bool, error) {
	existed, err := q.records.Delete(ctx, jobID)
	if err != nil {
		return false, err
	}
	if existed {
		q.telemetry.Track(ctx, telemetry.EventDelete, telemetry.ContextImagePage)
	}
	return existed, nil
}

// CopyPrompt stages the prompt of a record for the next submission.
func (q *Queue) CopyPrompt(ctx context.Context, jobID string) (*job.Params, error) {
	rec, err := q.requireImage(ctx, jobID)
	if err != nil {
		return nil, err
	}
	p := job.Params{
		Prompt:      rec.Params.Prompt,
		Negative:    rec.Params.Negative,
		ParentJobID: parentJobID(rec),
	}
	if err := q.staging.Stage(ctx, p); err != nil {
		return nil, err
	}
	q.telemetry.Track(ctx, telemetry.EventCopyPrompt, telemetry.ContextImagePage)
	return &p, nil
}

// UseForImg2Img stages a record's image as the source of an image-to-image request.
func (q *Queue) UseForImg2Img(ctx context.Context, jobID string) (*job.Params, error) {
	rec, err := q.requireImage(ctx, jobID)
	if err != nil {
		return nil, err
	}
	p := job.Params{
		Img2Img:     true,
		Prompt:      rec.Params.Prompt,
		Negative:    rec.Params.Negative,
		ParentJobID: parentJobID(rec),
		SourceImage: rec.Base64String,
	}
	if err := q.staging.Stage(ctx, p); err != nil {
		return nil, err
	}
	q.telemetry.Track(ctx, telemetry.EventImg2Img, telemetry.ContextImagePage)
	return &p, nil
}

// Staged returns the staged parameter set, or nil when nothing is staged.
func (q *Queue) Staged(ctx context.Context) (*job.Params, error) {
	return q.staging.Staged(ctx)
}

// Download converts a record to PNG and writes it to the download directory, returning
// the path written.
func (q *Queue) Download(ctx context.Context, jobID string) (string, error) {
	if q.converter == nil || q.files == nil {
		return "", errors.New("downloads are not configured")
	}
	rec, err := q.requireImage(ctx, jobID)
	if err != nil {
		return "", err
	}

	res, err := q.converter.ConvertPNG(ctx, rec.Base64String)
	if err != nil {
		return "", fmt.Errorf("convert %s: %w", jobID, err)
	}
	if !res.Success {
		return "", ErrConversionFailed
	}
	data, err := base64.StdEncoding.DecodeString(res.Base64String)
	if err != nil {
		return "", fmt.Errorf("decode png for %s: %w", jobID, err)
	}

	name := DownloadFilename(rec.Params.Prompt)
	path, err := q.files.WriteNew(ctx, name+".png", data)
	if errors.Is(err, fs.ErrExist) {
		// Another image with the same prompt owns the plain name.
		path, err = q.files.Write(ctx, suffixedFilename(name, jobID)+".png", data)
	}
	if err != nil {
		return "", err
	}
	q.telemetry.Track(ctx, telemetry.EventDownload, telemetry.ContextImagePage)
	return path, nil
}

// DownloadFilename derives a file name from a prompt: every character outside
// [A-Za-z0-9] becomes '_' (two for characters outside the BMP, matching UTF-16 length),
// the result is lowercased and cut to 254 characters.
func DownloadFilename(prompt string) string {
	var b strings.Builder
	for _, r := range prompt {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			n := utf16.RuneLen(r)
			if n < 1 {
				n = 1
			}
			b.WriteString(strings.Repeat("_", n))
		}
	}
	name := strings.ToLower(b.String())
	if len(name) > maxFilenameLen {
		name = name[:maxFilenameLen]
	}
	if name == "" {
		name = "image"
	}
	return name
}

// suffixedFilename appends the job id to name, trimming name so the result stays within
// the length limit.
func suffixedFilename(name, jobID string) string {
	suffix := "_" + DownloadFilename(jobID)
	if len(suffix) >= maxFilenameLen {
		return suffix[1:]
	}
	if len(name)+len(suffix) > maxFilenameLen {
		name = name[:maxFilenameLen-len(suffix)]
	}
	return name + suffix
}

func (q *Queue) requireImage(ctx context.Context, jobID string) (*job.CompletedImageRecord, error) {
	rec, err := q.records.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrImageNotFound
	}
	return rec, nil
}

func parentJobID(rec *job.CompletedImageRecord) string {
	if rec.Params.ParentJobID != "" {
		return rec.Params.ParentJobID
	}
	return rec.JobID
}
