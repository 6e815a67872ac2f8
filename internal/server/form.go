package server

import (
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jo-hoe/compositor/internal/common"
	"github.com/jo-hoe/compositor/internal/compositing"
	"github.com/jo-hoe/compositor/internal/llm"
	"github.com/jo-hoe/compositor/internal/pipeline"
	"github.com/jo-hoe/compositor/internal/storage"
)

// submission is a parsed run request without its files.
type submission struct {
	job          pipeline.Job
	callbackURL  *string
	lastModified map[string]int64
}

func parseSubmission(form *multipart.Form) (submission, error) {
	var sub submission
	sub.job = pipeline.Job{
		Mode:        pipeline.Mode(strings.ToLower(strings.TrimSpace(value(form, common.FieldMode)))),
		Instruction: strings.TrimSpace(value(form, common.FieldInstruction)),
		Resolution:  value(form, common.FieldResolution),
		AspectRatio: value(form, common.FieldAspectRatio),
	}

	if v := strings.TrimSpace(value(form, common.FieldHarmonize)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return sub, fmt.Errorf("invalid %s: %w", common.FieldHarmonize, err)
		}
		sub.job.Harmonize = b
	}

	if v := strings.TrimSpace(value(form, common.FieldRegion)); v != "" {
		var region compositing.Region
		if err := json.Unmarshal([]byte(v), &region); err != nil {
			return sub, fmt.Errorf("invalid %s json: %w", common.FieldRegion, err)
		}
		sub.job.Region = &region
	}

	if v := strings.TrimSpace(value(form, common.FieldQuality)); v != "" {
		var raw map[string]string
		if err := json.Unmarshal([]byte(v), &raw); err != nil {
			return sub, fmt.Errorf("invalid %s json: %w", common.FieldQuality, err)
		}
		sub.job.Quality = make(map[string]llm.Quality, len(raw))
		for unit, q := range raw {
			sub.job.Quality[unit] = llm.Quality(strings.ToLower(strings.TrimSpace(q)))
		}
	}

	if v := strings.TrimSpace(value(form, common.FieldLastModified)); v != "" {
		if err := json.Unmarshal([]byte(v), &sub.lastModified); err != nil {
			return sub, fmt.Errorf("invalid %s json: %w", common.FieldLastModified, err)
		}
	}

	if v := strings.TrimSpace(value(form, common.FieldCallbackURL)); v != "" {
		if _, err := url.ParseRequestURI(v); err != nil {
			return sub, fmt.Errorf("invalid %s", common.FieldCallbackURL)
		}
		sub.callbackURL = &v
	}
	return sub, nil
}

// spool stores every uploaded file. Missing last_modified entries default to the epoch.
func (svc *Service) spool(form *multipart.Form, lastModified map[string]int64, maxBytes int64) (*storage.Bundle, error) {
	files := &storage.Bundle{}
	save := func(fh *multipart.FileHeader) (*storage.Upload, error) {
		lm := time.UnixMilli(lastModified[fh.Filename]).UTC()
		u, cleanup, err := svc.Uploader.SaveMultipartImage(fh, maxBytes, lm)
		if err != nil {
			return nil, err
		}
		files.Track(cleanup)
		return &u, nil
	}

	for _, fh := range form.File[common.FieldSubject] {
		u, err := save(fh)
		if err != nil {
			_ = files.Cleanup()
			return nil, err
		}
		files.Subjects = append(files.Subjects, *u)
	}
	for field, dst := range map[string]**storage.Upload{
		common.FieldScene:     &files.Scene,
		common.FieldReference: &files.Reference,
		common.FieldOutfit:    &files.Outfit,
	} {
		fhs := form.File[field]
		if len(fhs) == 0 {
			continue
		}
		if len(fhs) > 1 {
			_ = files.Cleanup()
			return nil, fmt.Errorf("only one %s image is allowed", field)
		}
		u, err := save(fhs[0])
		if err != nil {
			_ = files.Cleanup()
			return nil, err
		}
		*dst = u
	}
	return files, nil
}

func value(form *multipart.Form, key string) string {
	if vs := form.Value[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}
